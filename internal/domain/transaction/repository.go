package transaction

import "context"

// Repository defines the interface for transaction data access
type Repository interface {
	// Upsert inserts or updates a transaction keyed by (account_id, dedup_key).
	// created reports whether a new row was inserted.
	Upsert(ctx context.Context, params UpsertParams) (txn *Transaction, created bool, err error)

	// ExistsByRemoteID reports whether the account already holds the remote transaction
	ExistsByRemoteID(ctx context.Context, accountID, remoteID string) (bool, error)

	// ListByAccountID returns the most recent transactions of an account
	ListByAccountID(ctx context.Context, accountID string, limit int) ([]*Transaction, error)
}
