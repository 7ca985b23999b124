package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"banklink/internal/domain/transaction"
)

// TransactionRepository implements transaction.Repository for PostgreSQL
type TransactionRepository struct {
	db *DB
}

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id, account_id, user_id, remote_id, dedup_key, description, amount, currency,
	txn_date, booking_date, txn_type, status, category, created_at, updated_at`

func scanTransaction(row rowScanner, extra ...any) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var remoteID, category sql.NullString
	var bookingDate sql.NullTime
	dest := []any{
		&t.ID, &t.AccountID, &t.UserID, &remoteID, &t.DedupKey, &t.Description, &t.Amount, &t.Currency,
		&t.Date, &bookingDate, &t.Type, &t.Status, &category, &t.CreatedAt, &t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	t.RemoteID = stringPtr(remoteID)
	t.Category = stringPtr(category)
	t.BookingDate = timePtr(bookingDate)
	return &t, nil
}

// Upsert inserts or refreshes a transaction by (account_id, dedup_key).
// xmax is zero only for a row created by this statement.
func (r *TransactionRepository) Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Transaction, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO transactions (
			account_id, user_id, remote_id, dedup_key, description, amount, currency,
			txn_date, booking_date, txn_type, status, category
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, dedup_key) DO UPDATE
			SET description = EXCLUDED.description,
			    amount = EXCLUDED.amount,
			    currency = EXCLUDED.currency,
			    txn_date = EXCLUDED.txn_date,
			    booking_date = EXCLUDED.booking_date,
			    txn_type = EXCLUDED.txn_type,
			    status = EXCLUDED.status,
			    category = EXCLUDED.category,
			    updated_at = NOW()
		RETURNING ` + transactionColumns + `, (xmax = 0) AS inserted`

	var created bool
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		params.AccountID, params.UserID, nullString(params.RemoteID), params.DedupKey(), params.Description,
		params.Amount, params.Currency, params.Date, nullTimePtr(params.BookingDate), params.Type, params.Status,
		nullStringPtr(params.Category),
	), &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return t, created, nil
}

func (r *TransactionRepository) ExistsByRemoteID(ctx context.Context, accountID, remoteID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = $1 AND remote_id = $2)`,
		accountID, remoteID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, limit int) ([]*transaction.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY txn_date DESC, created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
