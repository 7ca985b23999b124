package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"banklink/internal/shared/logger"
)

var (
	jobTracer           = otel.Tracer("banklink/scheduler")
	jobMeter            = otel.Meter("banklink/scheduler")
	jobDuration, _      = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _         = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _  = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
	jobErrorsDropped, _ = jobMeter.Int64Counter("scheduler.job.errors_dropped", metric.WithDescription("Job errors dropped because nobody drained the error channel"))
)

var (
	// ErrQueueFull is returned by Submit when the job buffer is full.
	ErrQueueFull = errors.New("job queue full")
	// ErrPoolClosed is returned by Submit after shutdown began.
	ErrPoolClosed = errors.New("worker pool closed")
)

// PoolConfig configures a WorkerPool
type PoolConfig struct {
	WorkerCount int
	// JobDelay is a pause between jobs on each worker, for upstream rate limits
	JobDelay   time.Duration
	QueueSize  int
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// WorkerPool runs submitted jobs on a fixed number of goroutines and
// reports failures on Errors.
type WorkerPool struct {
	workerCount int
	jobDelay    time.Duration
	jobTimeout  time.Duration
	jobs        chan Job
	errs        chan JobError
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: cfg.WorkerCount,
		jobDelay:    cfg.JobDelay,
		jobTimeout:  cfg.JobTimeout,
		jobs:        make(chan Job, cfg.QueueSize),
		errs:        make(chan JobError, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.OrNop(cfg.Logger).Named("worker_pool"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info("starting worker pool", zap.Int("workers", wp.workerCount))

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Errors delivers failed jobs. It is closed after shutdown. When nobody
// drains it and the buffer is full, further errors are dropped and counted.
func (wp *WorkerPool) Errors() <-chan JobError {
	return wp.errs
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return

		case job, ok := <-wp.jobs:
			if !ok {
				return
			}

			wp.processJob(id, job)

			if wp.jobDelay > 0 {
				select {
				case <-time.After(wp.jobDelay):
				case <-wp.ctx.Done():
					return
				}
			}
		}
	}
}

func (wp *WorkerPool) processJob(workerID int, job Job) {
	log := wp.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("job", job.Description()),
		zap.String("user_id", job.UserID()))
	log.Debug("processing job")

	ctx, cancel := context.WithTimeout(wp.ctx, wp.jobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.user_id", job.UserID()),
		),
	)
	defer span.End()

	start := time.Now()
	err := job.Execute(ctx)
	jobDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		log.Warn("job failed", zap.Error(err))
		wp.reportError(JobError{Description: job.Description(), UserID: job.UserID(), Err: err})
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	log.Info("job completed", zap.Duration("elapsed", time.Since(start)))
}

func (wp *WorkerPool) reportError(e JobError) {
	select {
	case wp.errs <- e:
	default:
		jobErrorsDropped.Add(context.Background(), 1)
	}
}

// Submit adds a job to the queue without blocking. It returns ErrQueueFull
// when the buffer is full and ErrPoolClosed after shutdown.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		wp.logger.Warn("job queue full, dropping job", zap.String("job", job.Description()), zap.String("user_id", job.UserID()))
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, job.Description())
	}
}

// SubmitBatch adds multiple jobs to the queue and returns how many were accepted.
func (wp *WorkerPool) SubmitBatch(jobs []Job) int {
	submitted := 0
	for _, job := range jobs {
		if err := wp.Submit(job); err != nil {
			continue
		}
		submitted++
	}
	wp.logger.Info("submitted jobs to worker pool", zap.Int("submitted", submitted), zap.Int("total", len(jobs)))
	return submitted
}

// ShutdownWithTimeout stops accepting jobs and waits for queued ones. If
// workers don't finish within the timeout, running jobs are cancelled.
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	wp.closeOnce.Do(func() {
		wp.logger.Info("worker pool shutting down", zap.Duration("timeout", timeout))

		wp.mu.Lock()
		wp.closed = true
		close(wp.jobs)
		wp.mu.Unlock()

		done := make(chan struct{})
		go func() {
			wp.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			wp.logger.Warn("worker pool shutdown timed out, cancelling running jobs")
			wp.cancel()
			<-done
		}
		wp.cancel()
		close(wp.errs)

		wp.logger.Info("worker pool stopped")
	})
}
