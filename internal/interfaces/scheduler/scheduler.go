package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"banklink/internal/shared/logger"
)

// batchTimeout bounds loading the job list and one expiry sweep.
const batchTimeout = 5 * time.Minute

// ScheduleTime is a wall-clock time of day in the server's location.
type ScheduleTime struct {
	Hour   int
	Minute int
}

func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime accepts HH:MM on a 24 hour clock.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time %q (expected HH:MM): %w", s, err)
	}
	return ScheduleTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// SchedulerConfig configures a Scheduler. Pool and at least one of
// ScheduleTimes are required.
type SchedulerConfig struct {
	Pool          *WorkerPool
	ScheduleTimes []string
	RunOnStartup  bool
	JobProvider   func(context.Context) ([]Job, error)
	// Sweep runs every SweepInterval when both are set.
	Sweep         func(context.Context) error
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Scheduler submits the periodic sync batch to the pool at fixed times of
// day and runs the expiry sweep on an interval. It does not own the pool.
type Scheduler struct {
	pool       *WorkerPool
	slots      []ScheduleTime
	onStartup  bool
	jobs       func(context.Context) ([]Job, error)
	sweep      func(context.Context) error
	sweepEvery time.Duration
	now        func() time.Time
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if len(cfg.ScheduleTimes) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}

	slots := make([]ScheduleTime, 0, len(cfg.ScheduleTimes))
	for _, raw := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(raw)
		if err != nil {
			return nil, err
		}
		slots = append(slots, st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:       cfg.Pool,
		slots:      slots,
		onStartup:  cfg.RunOnStartup,
		jobs:       cfg.JobProvider,
		sweep:      cfg.Sweep,
		sweepEvery: cfg.SweepInterval,
		now:        time.Now,
		logger:     logger.OrNop(cfg.Logger).Named("scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		zap.Stringers("sync_at", s.slots),
		zap.Time("next_sync", s.NextScheduledTime(s.now())),
		zap.Duration("sweep_interval", s.sweepEvery))

	s.wg.Add(1)
	go s.syncLoop()

	if s.sweep != nil && s.sweepEvery > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
}

func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	if s.onStartup {
		s.runJobs()
	}

	var prev time.Time
	for {
		next := s.nextRun(s.now(), prev)
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			prev = next
			s.logger.Info("scheduled sync triggered", zap.String("slot", next.Format("15:04")))
			s.runJobs()
		}
	}
}

// nextRun never returns prev again, even when the timer fired a little
// ahead of the wall clock.
func (s *Scheduler) nextRun(now, prev time.Time) time.Time {
	if prev.After(now) {
		now = prev
	}
	return s.NextScheduledTime(now)
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, batchTimeout)
			if err := s.sweep(ctx); err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// runJobs loads the batch and queues it, returning how many were accepted.
func (s *Scheduler) runJobs() int {
	if s.jobs == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(s.ctx, batchTimeout)
	defer cancel()

	jobs, err := s.jobs(ctx)
	if err != nil {
		s.logger.Error("failed to load sync jobs", zap.Error(err))
		return 0
	}
	if len(jobs) == 0 {
		s.logger.Info("no consents to sync")
		return 0
	}
	accepted := s.pool.SubmitBatch(jobs)
	if accepted < len(jobs) {
		s.logger.Warn("sync queue full, batch truncated", zap.Int("accepted", accepted), zap.Int("total", len(jobs)))
	}
	return accepted
}

// Shutdown stops both loops, waiting up to timeout for a running batch
// submission or sweep to return.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(timeout):
		s.logger.Warn("timeout waiting for scheduler loops to stop")
	}
}

// NextScheduledTime returns the first slot strictly after now.
func (s *Scheduler) NextScheduledTime(now time.Time) time.Time {
	var next time.Time
	for _, st := range s.slots {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}
