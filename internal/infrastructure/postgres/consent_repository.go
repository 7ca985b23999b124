package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"banklink/internal/domain/consent"
)

// ConsentRepository implements consent.Repository for PostgreSQL
type ConsentRepository struct {
	db *DB
}

func NewConsentRepository(db *DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

const consentColumns = `id, user_id, institution_id, status, scopes, consent_ref, state, nonce,
	expires_at, granted_at, revoked_at, initial_synced_at, created_at, updated_at`

func scanConsent(row rowScanner) (*consent.Consent, error) {
	var c consent.Consent
	var status string
	var grantedAt, revokedAt, initialSyncedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.UserID, &c.InstitutionID, &status, pq.Array(&c.Scopes), &c.ConsentRef, &c.State, &c.Nonce,
		&c.ExpiresAt, &grantedAt, &revokedAt, &initialSyncedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = consent.Status(status)
	c.GrantedAt = timePtr(grantedAt)
	c.RevokedAt = timePtr(revokedAt)
	c.InitialSyncedAt = timePtr(initialSyncedAt)
	return &c, nil
}

func (r *ConsentRepository) queryConsents(ctx context.Context, query string, args ...any) ([]*consent.Consent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consents: %w", err)
	}
	defer rows.Close()

	var consents []*consent.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		consents = append(consents, c)
	}
	return consents, rows.Err()
}

// Create inserts a PENDING consent
func (r *ConsentRepository) Create(ctx context.Context, params consent.CreateParams) (*consent.Consent, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO consents (id, user_id, institution_id, status, scopes, consent_ref, state, nonce, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + consentColumns

	c, err := scanConsent(r.db.QueryRowContext(ctx, query,
		params.ID, params.UserID, params.InstitutionID, string(consent.StatusPending), pq.Array(params.Scopes),
		params.ConsentRef, params.State, params.Nonce, params.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create consent: %w", err)
	}
	return c, nil
}

// GetByID treats an id that is not a UUID as missing.
func (r *ConsentRepository) GetByID(ctx context.Context, id string) (*consent.Consent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, consent.ErrConsentNotFound
	}
	query := `SELECT ` + consentColumns + ` FROM consents WHERE id = $1`

	c, err := scanConsent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return c, nil
}

// FindByCorrelation matches the callback's state against either the stored
// state or the aggregator's consent reference.
func (r *ConsentRepository) FindByCorrelation(ctx context.Context, value string) (*consent.Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM consents WHERE state = $1 OR consent_ref = $1 LIMIT 1`

	c, err := scanConsent(r.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find consent: %w", err)
	}
	return c, nil
}

func (r *ConsentRepository) ListByUserID(ctx context.Context, userID int64) ([]*consent.Consent, error) {
	return r.queryConsents(ctx,
		`SELECT `+consentColumns+` FROM consents WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *ConsentRepository) ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error) {
	return r.queryConsents(ctx,
		`SELECT `+consentColumns+` FROM consents WHERE status = $1 ORDER BY created_at`, string(status))
}

func (r *ConsentRepository) ListExpirable(ctx context.Context, now time.Time) ([]*consent.Consent, error) {
	return r.queryConsents(ctx,
		`SELECT `+consentColumns+` FROM consents
		 WHERE status IN ('ACTIVE', 'PENDING') AND expires_at < $1
		 ORDER BY expires_at`, now)
}

// Transition is a compare-and-set on status: the row only changes when its
// current status is one of from.
func (r *ConsentRepository) Transition(ctx context.Context, id string, from []consent.Status, to consent.Status, at time.Time) (*consent.Consent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, consent.ErrConsentNotFound
	}
	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	query := `
		UPDATE consents
		SET status = $2::text,
		    updated_at = $3,
		    granted_at = CASE WHEN $2::text = 'ACTIVE' THEN $3 ELSE granted_at END,
		    revoked_at = CASE WHEN $2::text = 'REVOKED' THEN $3 ELSE revoked_at END
		WHERE id = $1 AND status = ANY($4)
		RETURNING ` + consentColumns

	c, err := scanConsent(r.db.QueryRowContext(ctx, query, id, string(to), at, pq.Array(fromStrings)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition consent: %w", err)
	}

	// No row updated: either missing or in a status outside from.
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, consent.ErrConsentStateConflict
}

// MarkInitialSynced records the first complete backfill. Later calls keep
// the original timestamp.
func (r *ConsentRepository) MarkInitialSynced(ctx context.Context, id string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return consent.ErrConsentNotFound
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE consents
		SET initial_synced_at = COALESCE(initial_synced_at, $2), updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark initial sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consent.ErrConsentNotFound
	}
	return nil
}
