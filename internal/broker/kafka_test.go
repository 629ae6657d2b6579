package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"appointment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeadLetter struct {
	mu    sync.Mutex
	msgs  []kafka.Message
	cause []error
	fail  int
}

func (r *recordingDeadLetter) Forward(ctx context.Context, msg kafka.Message, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("broker unavailable")
	}
	r.msgs = append(r.msgs, msg)
	r.cause = append(r.cause, cause)
	return nil
}

func testConsumer(dlq DeadLetterWriter) *Consumer {
	c := &Consumer{
		retry:  RetryPolicy{Attempts: 3, Backoff: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		logger: util.GetLogger(),
	}
	if dlq != nil {
		c.WithDeadLetter(dlq)
	}
	return c
}

func TestConsumerRetriesFailedMessageInPlace(t *testing.T) {
	dlq := &recordingDeadLetter{}
	c := testConsumer(dlq)
	msg := kafka.Message{Key: []byte("APT1"), Offset: 7}

	calls := 0
	err := c.process(context.Background(), msg, func(ctx context.Context, m kafka.Message) error {
		calls++
		if calls == 1 {
			return errors.New("smtp down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Empty(t, dlq.msgs)
}

func TestConsumerDeadLettersAfterRetries(t *testing.T) {
	dlq := &recordingDeadLetter{fail: 2}
	c := testConsumer(dlq)
	msg := kafka.Message{Key: []byte("APT1"), Value: []byte(`{}`), Offset: 9}
	boom := errors.New("poison")

	calls := 0
	err := c.process(context.Background(), msg, func(ctx context.Context, m kafka.Message) error {
		calls++
		return boom
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, int64(9), dlq.msgs[0].Offset)
	assert.ErrorIs(t, dlq.cause[0], boom)
}

func TestConsumerStopsWithoutCommitWhenCancelled(t *testing.T) {
	c := testConsumer(&recordingDeadLetter{})
	c.retry = RetryPolicy{Attempts: 3, Backoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := c.process(ctx, kafka.Message{}, func(ctx context.Context, m kafka.Message) error {
		calls++
		cancel()
		return errors.New("smtp down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestConsumerDropsWithoutDeadLetter(t *testing.T) {
	c := testConsumer(nil)
	calls := 0
	err := c.process(context.Background(), kafka.Message{}, func(ctx context.Context, m kafka.Message) error {
		calls++
		return errors.New("poison")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 800*time.Millisecond, p.delay(4))
	assert.Equal(t, time.Second, p.delay(10))
}
