package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"banklink/internal/domain/consent"
	"banklink/internal/domain/openfinance"
)

// Syncer is the part of the sync orchestrator the jobs drive.
type Syncer interface {
	InitialSync(ctx context.Context, consentID string) (*openfinance.SyncResult, error)
	IncrementalSync(ctx context.Context, consentID string) (*openfinance.SyncResult, error)
	ActiveConsents(ctx context.Context) ([]*consent.Consent, error)
}

// ConsentSyncJob syncs one consent in the given mode.
type ConsentSyncJob struct {
	syncer    Syncer
	consentID string
	userID    int64
	mode      openfinance.Mode
}

// NewInitialSyncJob creates the job run right after a consent is activated.
func NewInitialSyncJob(syncer Syncer, c *consent.Consent) *ConsentSyncJob {
	return &ConsentSyncJob{syncer: syncer, consentID: c.ID, userID: c.UserID, mode: openfinance.ModeInitial}
}

// NewIncrementalSyncJob creates the job the periodic schedule submits.
func NewIncrementalSyncJob(syncer Syncer, c *consent.Consent) *ConsentSyncJob {
	return &ConsentSyncJob{syncer: syncer, consentID: c.ID, userID: c.UserID, mode: openfinance.ModeIncremental}
}

// Execute runs the sync. A run that completes with per-account errors is
// reported as a failure so it shows up on the pool's error channel.
func (j *ConsentSyncJob) Execute(ctx context.Context) error {
	var (
		result *openfinance.SyncResult
		err    error
	)
	if j.mode == openfinance.ModeInitial {
		result, err = j.syncer.InitialSync(ctx, j.consentID)
	} else {
		result, err = j.syncer.IncrementalSync(ctx, j.consentID)
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("sync completed with errors: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

func (j *ConsentSyncJob) UserID() string {
	return strconv.FormatInt(j.userID, 10)
}

func (j *ConsentSyncJob) Description() string {
	return fmt.Sprintf("%s sync of consent %s", j.mode, j.consentID)
}

// ActiveConsentJobs returns a job provider that builds one sync job per
// ACTIVE consent. Consents whose initial backfill never completed get an
// initial job instead of an incremental one.
func ActiveConsentJobs(syncer Syncer) func(context.Context) ([]Job, error) {
	return func(ctx context.Context) ([]Job, error) {
		consents, err := syncer.ActiveConsents(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active consents: %w", err)
		}
		jobs := make([]Job, 0, len(consents))
		for _, c := range consents {
			if c.InitialSyncedAt == nil {
				jobs = append(jobs, NewInitialSyncJob(syncer, c))
				continue
			}
			jobs = append(jobs, NewIncrementalSyncJob(syncer, c))
		}
		return jobs, nil
	}
}

// InitialSyncEnqueuer queues initial syncs on the worker pool so the
// consent callback can return before the first load finishes.
type InitialSyncEnqueuer struct {
	pool   *WorkerPool
	syncer Syncer
}

func NewInitialSyncEnqueuer(pool *WorkerPool, syncer Syncer) *InitialSyncEnqueuer {
	return &InitialSyncEnqueuer{pool: pool, syncer: syncer}
}

// EnqueueInitialSync implements consent.InitialSyncer.
func (e *InitialSyncEnqueuer) EnqueueInitialSync(ctx context.Context, c *consent.Consent) error {
	return e.pool.Submit(NewInitialSyncJob(e.syncer, c))
}
