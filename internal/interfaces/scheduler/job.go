package scheduler

import "context"

// Job represents a unit of work that can be executed by the worker pool.
type Job interface {
	// Execute runs the job with the given context.
	// Context should be respected for cancellation and timeouts.
	Execute(ctx context.Context) error

	// UserID returns the user ID associated with this job, for logging.
	UserID() string

	// Description returns a human-readable description of the job.
	Description() string
}

// JobError reports a failed job on WorkerPool.Errors
type JobError struct {
	Description string
	UserID      string
	Err         error
}

func (e JobError) Error() string {
	return e.Description + " (user " + e.UserID + "): " + e.Err.Error()
}

func (e JobError) Unwrap() error {
	return e.Err
}
