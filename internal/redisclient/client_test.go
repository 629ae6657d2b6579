package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - set TEST_REDIS_ADDR")
	}
	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIdempotencyKey(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	key := "booking:1:" + uuid.NewString()

	_, ok, err := c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetIdempotencyKey(ctx, key, "APT123456", time.Minute))
	val, ok, err := c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "APT123456", val)
}

func TestClaimEvent(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	first, err := c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, c.ForgetEvent(ctx, id))
	after, err := c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, after)
}

func TestConfirmEventExtendsClaim(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	claimed, err := c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.ConfirmEvent(ctx, id, time.Hour))
	ttl, err := c.rdb.TTL(ctx, "event:"+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Minute)

	again, err := c.ClaimEvent(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestLockOwnership(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	key := "job:" + uuid.NewString()

	token, ok, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// a stale token must not free someone else's lock
	require.NoError(t, c.ReleaseLock(ctx, key, "not-the-owner"))
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, key, token))
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
