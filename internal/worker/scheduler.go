package worker

import (
	"context"
	"fmt"
	"time"

	"appointment-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Locker elects a single runner for a job across instances
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Job is a periodic maintenance task. Run reports how many items it touched.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs jobs on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	logger  *zap.Logger
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. With a nil locker every instance runs
// every job.
func NewScheduler(locker Locker, lockTTL time.Duration, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		locker:  locker,
		lockTTL: lockTTL,
		logger:  util.GetLogger(),
		runCtx:  runCtx,
		cancel:  cancel,
	}
}

// Add schedules a job
func (s *Scheduler) Add(job Job) error {
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.RunOnce(s.runCtx, job) }); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}
	s.logger.Info("Scheduled job", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

// RunOnce runs the job if this instance wins its lock
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	if s.locker != nil {
		key := "job:" + job.Name
		token, ok, err := s.locker.AcquireLock(ctx, key, s.lockTTL)
		if err != nil {
			s.logger.Warn("Job lock attempt failed", zap.String("job", job.Name), zap.Error(err))
			util.JobRunsTotal.WithLabelValues(job.Name, "lock_error").Inc()
			return
		}
		if !ok {
			s.logger.Debug("Job running on another instance", zap.String("job", job.Name))
			util.JobRunsTotal.WithLabelValues(job.Name, "skipped").Inc()
			return
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
				s.logger.Warn("Failed to release job lock", zap.String("job", job.Name), zap.Error(err))
			}
		}()
	}

	ctx, span := util.StartSpan(ctx, "job."+job.Name)
	defer span.End()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		util.RecordError(span, err)
		util.JobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("Job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	util.JobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Info("Job finished",
		zap.String("job", job.Name),
		zap.Int("affected", n),
		zap.Duration("took", time.Since(start)))
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs after cancelling their context
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
