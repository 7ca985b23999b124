package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"banklink/internal/domain/account"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, user_id, consent_id, remote_account_id, name, account_type, institution_name,
	masked_number, currency, balance, available_balance, balance_as_at, status, last_sync_at, created_at, updated_at`

func scanAccount(row rowScanner) (*account.ConnectedAccount, error) {
	var a account.ConnectedAccount
	var status string
	var balanceAsAt, lastSync sql.NullTime
	err := row.Scan(
		&a.ID, &a.UserID, &a.ConsentID, &a.RemoteAccountID, &a.Name, &a.Type, &a.InstitutionName,
		&a.MaskedNumber, &a.Currency, &a.Balance, &a.AvailableBalance, &balanceAsAt, &status, &lastSync,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = account.Status(status)
	a.BalanceAsAt = timePtr(balanceAsAt)
	a.LastSyncAt = timePtr(lastSync)
	return &a, nil
}

func (r *AccountRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]*account.ConnectedAccount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.ConnectedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Upsert creates or updates an account keyed by (user_id, remote_account_id).
// It never touches the cached balance columns.
func (r *AccountRepository) Upsert(ctx context.Context, params account.UpsertParams) (*account.ConnectedAccount, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO connected_accounts (
			user_id, consent_id, remote_account_id, name, account_type, institution_name,
			masked_number, currency, status, last_sync_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, remote_account_id) DO UPDATE
			SET consent_id = EXCLUDED.consent_id,
			    name = EXCLUDED.name,
			    account_type = EXCLUDED.account_type,
			    institution_name = EXCLUDED.institution_name,
			    masked_number = EXCLUDED.masked_number,
			    currency = EXCLUDED.currency,
			    status = EXCLUDED.status,
			    last_sync_at = EXCLUDED.last_sync_at,
			    updated_at = NOW()
		RETURNING ` + accountColumns

	a, err := scanAccount(r.db.QueryRowContext(ctx, query,
		params.UserID, params.ConsentID, params.RemoteAccountID, params.Name, params.Type, params.InstitutionName,
		params.MaskedNumber, params.Currency, string(params.Status), nullTime(params.SyncedAt),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return a, nil
}

// GetByID retrieves an account by its ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.ConnectedAccount, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, account.ErrAccountNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE id = $1`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*account.ConnectedAccount, error) {
	return r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE user_id = $1 ORDER BY name`, userID)
}

func (r *AccountRepository) ListByConsentID(ctx context.Context, consentID string) ([]*account.ConnectedAccount, error) {
	return r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE consent_id = $1 ORDER BY name`, consentID)
}

func (r *AccountRepository) ListByRemoteID(ctx context.Context, remoteAccountID string) ([]*account.ConnectedAccount, error) {
	return r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE remote_account_id = $1`, remoteAccountID)
}

// RecordBalance appends the snapshot and copies it onto the account in one
// transaction unless a newer snapshot is already cached there.
func (r *AccountRepository) RecordBalance(ctx context.Context, params account.BalanceParams) (*account.Balance, error) {
	if _, err := uuid.Parse(params.AccountID); err != nil {
		return nil, account.ErrAccountNotFound
	}
	var b account.Balance
	err := r.db.InTx(ctx, "record_balance", func(tx *sql.Tx) error {
		var creditLimit decimal.NullDecimal
		err := tx.QueryRowContext(ctx, `
			INSERT INTO account_balances (account_id, as_at, current, available, credit_limit, currency)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, account_id, as_at, current, available, credit_limit, currency, created_at
		`, params.AccountID, params.AsAt, params.Current, params.Available, nullDecimal(params.CreditLimit), params.Currency,
		).Scan(&b.ID, &b.AccountID, &b.AsAt, &b.Current, &b.Available, &creditLimit, &b.Currency, &b.CreatedAt)
		if isForeignKeyViolation(err) {
			return account.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		b.CreditLimit = decimalPtr(creditLimit)

		_, err = tx.ExecContext(ctx, `
			UPDATE connected_accounts
			SET balance = $2, available_balance = $3, balance_as_at = $4,
			    last_sync_at = GREATEST(last_sync_at, $4), updated_at = NOW()
			WHERE id = $1 AND (balance_as_at IS NULL OR balance_as_at <= $4)
		`, params.AccountID, params.Current, params.Available, params.AsAt)
		if err != nil {
			return fmt.Errorf("failed to update cached balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *AccountRepository) SetStatus(ctx context.Context, id string, status account.Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE connected_accounts SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) SetStatusByConsent(ctx context.Context, consentID string, status account.Status) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE connected_accounts SET status = $2, updated_at = NOW() WHERE consent_id = $1`, consentID, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to set account statuses: %w", err)
	}
	return res.RowsAffected()
}
