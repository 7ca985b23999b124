package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type funcJob struct {
	user string
	fn   func(ctx context.Context) error
}

func (j funcJob) Execute(ctx context.Context) error { return j.fn(ctx) }
func (j funcJob) UserID() string                    { return j.user }
func (j funcJob) Description() string               { return "test job" }

func TestWorkerPool_RunsJobsAndReportsErrors(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{WorkerCount: 2, QueueSize: 10, Logger: zaptest.NewLogger(t)})
	pool.Start()

	var ran atomic.Int32
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(funcJob{user: "1", fn: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, pool.Submit(funcJob{user: "2", fn: func(ctx context.Context) error {
		return boom
	}}))

	pool.ShutdownWithTimeout(5 * time.Second)
	assert.Equal(t, int32(3), ran.Load())

	var got []JobError
	for e := range pool.Errors() {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].UserID)
	assert.ErrorIs(t, got[0], boom)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{WorkerCount: 1, QueueSize: 1, Logger: zaptest.NewLogger(t)})
	noop := funcJob{user: "1", fn: func(ctx context.Context) error { return nil }}

	require.NoError(t, pool.Submit(noop))
	assert.ErrorIs(t, pool.Submit(noop), ErrQueueFull)
	assert.Equal(t, 0, pool.SubmitBatch([]Job{noop, noop}))

	pool.Start()
	pool.ShutdownWithTimeout(5 * time.Second)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{WorkerCount: 1, Logger: zaptest.NewLogger(t)})
	pool.Start()
	pool.ShutdownWithTimeout(time.Second)
	pool.ShutdownWithTimeout(time.Second)

	err := pool.Submit(funcJob{user: "1", fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_ShutdownTimeoutCancelsRunningJobs(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{WorkerCount: 1, Logger: zaptest.NewLogger(t)})
	pool.Start()

	started := make(chan struct{})
	require.NoError(t, pool.Submit(funcJob{user: "1", fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	pool.ShutdownWithTimeout(50 * time.Millisecond)

	e, ok := <-pool.Errors()
	require.True(t, ok)
	assert.ErrorIs(t, e, context.Canceled)
}
