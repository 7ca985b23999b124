package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseScheduleTime(t *testing.T) {
	tests := []struct {
		in      string
		want    ScheduleTime
		wantErr bool
	}{
		{"03:00", ScheduleTime{3, 0}, false},
		{"23:59", ScheduleTime{23, 59}, false},
		{"24:00", ScheduleTime{}, true},
		{"12:60", ScheduleTime{}, true},
		{"noon", ScheduleTime{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScheduleTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	if cfg.Pool == nil {
		cfg.Pool = NewWorkerPool(PoolConfig{WorkerCount: 1, Logger: zaptest.NewLogger(t)})
	}
	cfg.Logger = zaptest.NewLogger(t)
	s, err := NewScheduler(cfg)
	require.NoError(t, err)
	return s
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{ScheduleTimes: []string{"03:00"}})
	assert.Error(t, err)

	pool := NewWorkerPool(PoolConfig{})
	_, err = NewScheduler(SchedulerConfig{Pool: pool})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Pool: pool, ScheduleTimes: []string{"3am"}})
	assert.Error(t, err)
}

func TestNextRun_NeverRepeatsSlot(t *testing.T) {
	s := newTestScheduler(t, SchedulerConfig{ScheduleTimes: []string{"03:00", "15:30"}})
	slot := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

	// timer fired a hair before the wall clock reached the slot
	early := slot.Add(-time.Millisecond)
	assert.Equal(t, slot, s.nextRun(early, time.Time{}))
	assert.Equal(t, time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC), s.nextRun(early, slot))
	assert.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), s.nextRun(slot.Add(13*time.Hour), slot))
}

func TestStart_RunsOnStartup(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{WorkerCount: 1, QueueSize: 10, Logger: zaptest.NewLogger(t)})
	ran := make(chan struct{}, 1)
	s := newTestScheduler(t, SchedulerConfig{
		Pool:          pool,
		ScheduleTimes: []string{"03:00"},
		RunOnStartup:  true,
		JobProvider: func(ctx context.Context) ([]Job, error) {
			return []Job{funcJob{user: "1", fn: func(ctx context.Context) error {
				ran <- struct{}{}
				return nil
			}}}, nil
		},
	})
	pool.Start()
	s.Start()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("startup batch did not run")
	}
	s.Shutdown(time.Second)
	pool.ShutdownWithTimeout(time.Second)
}

func TestNextScheduledTime(t *testing.T) {
	s := newTestScheduler(t, SchedulerConfig{ScheduleTimes: []string{"03:00", "15:30"}})

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC), s.NextScheduledTime(now))

	now = time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), s.NextScheduledTime(now))
}

func TestRunJobs_SubmitsProvidedJobs(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{WorkerCount: 1, QueueSize: 10, Logger: zaptest.NewLogger(t)})
	noop := funcJob{user: "1", fn: func(ctx context.Context) error { return nil }}

	s := newTestScheduler(t, SchedulerConfig{
		Pool:          pool,
		ScheduleTimes: []string{"03:00"},
		JobProvider: func(ctx context.Context) ([]Job, error) {
			return []Job{noop, noop}, nil
		},
	})
	assert.Equal(t, 2, s.runJobs())

	failing := newTestScheduler(t, SchedulerConfig{
		Pool:          pool,
		ScheduleTimes: []string{"03:00"},
		JobProvider: func(ctx context.Context) ([]Job, error) {
			return nil, errors.New("db down")
		},
	})
	assert.Equal(t, 0, failing.runJobs())

	pool.Start()
	pool.ShutdownWithTimeout(5 * time.Second)
}

func TestSweepLoop_RunsOnInterval(t *testing.T) {
	swept := make(chan struct{}, 10)
	s := newTestScheduler(t, SchedulerConfig{
		ScheduleTimes: []string{"03:00"},
		SweepInterval: 10 * time.Millisecond,
		Sweep: func(ctx context.Context) error {
			swept <- struct{}{}
			return nil
		},
	})
	s.Start()
	defer s.Shutdown(time.Second)

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}
}
