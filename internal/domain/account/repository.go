package account

import (
	"context"
)

// Repository defines the interface for connected account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// Upsert creates or updates an account keyed by (user_id, remote_account_id)
	Upsert(ctx context.Context, params UpsertParams) (*ConnectedAccount, error)

	// GetByID retrieves an account by its local ID
	GetByID(ctx context.Context, id string) (*ConnectedAccount, error)

	// ListByUserID retrieves all accounts for a specific user
	ListByUserID(ctx context.Context, userID int64) ([]*ConnectedAccount, error)

	// ListByConsentID retrieves the accounts linked through one consent
	ListByConsentID(ctx context.Context, consentID string) ([]*ConnectedAccount, error)

	// ListByRemoteID retrieves every local mirror of a remote account
	ListByRemoteID(ctx context.Context, remoteAccountID string) ([]*ConnectedAccount, error)

	// RecordBalance appends a snapshot and, when it is not older than the
	// cached one, refreshes the cached balance in the same transaction
	RecordBalance(ctx context.Context, params BalanceParams) (*Balance, error)

	// SetStatus updates one account's status
	SetStatus(ctx context.Context, id string, status Status) error

	// SetStatusByConsent updates the status of every account under a consent
	SetStatusByConsent(ctx context.Context, consentID string, status Status) (int64, error)
}
