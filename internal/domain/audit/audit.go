// Package audit records lifecycle actions of consents and sync runs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"banklink/internal/shared/logger"
)

// Action names an audited lifecycle event
type Action string

const (
	ActionConsentStarted        Action = "CONSENT_STARTED"
	ActionConsentGranted        Action = "CONSENT_GRANTED"
	ActionConsentCallbackFailed Action = "CONSENT_CALLBACK_FAILED"
	ActionConsentRevoked        Action = "CONSENT_REVOKED"
	ActionConsentExpired        Action = "CONSENT_EXPIRED"
	ActionSyncStarted           Action = "SYNC_STARTED"
	ActionSyncCompleted         Action = "SYNC_COMPLETED"
	ActionSyncFailed            Action = "SYNC_FAILED"
	ActionAccountConnected      Action = "ACCOUNT_CONNECTED"
	ActionAccountDisconnected   Action = "ACCOUNT_DISCONNECTED"
)

// Entry is an append-only audit record
type Entry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"userId"`
	Action    Action          `json:"action"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Repository appends audit entries
type Repository interface {
	Append(ctx context.Context, userID int64, action Action, details json.RawMessage) (*Entry, error)
	ListByUserID(ctx context.Context, userID int64, limit int) ([]*Entry, error)
}

// Recorder writes audit entries and logs what it could not persist.
type Recorder struct {
	repo   Repository
	logger *zap.Logger
}

func NewRecorder(repo Repository, log *zap.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger.OrNop(log).Named("audit")}
}

// Record appends one entry. The error is returned for callers that need it,
// and is always logged.
func (r *Recorder) Record(ctx context.Context, userID int64, action Action, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	if _, err := r.repo.Append(ctx, userID, action, raw); err != nil {
		r.logger.Error("failed to append audit entry",
			zap.Int64("user_id", userID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to append audit entry %s: %w", action, err)
	}
	return nil
}
