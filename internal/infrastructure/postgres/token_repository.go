package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"banklink/internal/domain/token"
)

// TokenRepository implements token.Repository for PostgreSQL. It only ever
// sees ciphertext.
type TokenRepository struct {
	db *DB
}

func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func (r *TokenRepository) Upsert(ctx context.Context, rec token.Record) error {
	query := `
		INSERT INTO consent_tokens (consent_id, access_token_encrypted, refresh_token_encrypted, token_type, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (consent_id) DO UPDATE
			SET access_token_encrypted = EXCLUDED.access_token_encrypted,
			    refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			    token_type = EXCLUDED.token_type,
			    expires_at = EXCLUDED.expires_at,
			    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ConsentID, rec.AccessTokenEncrypted, rec.RefreshTokenEncrypted, rec.TokenType,
		nullTime(rec.ExpiresAt), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

func (r *TokenRepository) GetByConsentID(ctx context.Context, consentID string) (*token.Record, error) {
	query := `
		SELECT consent_id, access_token_encrypted, refresh_token_encrypted, token_type, expires_at, updated_at
		FROM consent_tokens
		WHERE consent_id = $1
	`

	var rec token.Record
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, consentID).Scan(
		&rec.ConsentID, &rec.AccessTokenEncrypted, &rec.RefreshTokenEncrypted, &rec.TokenType, &expiresAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

func (r *TokenRepository) Delete(ctx context.Context, consentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM consent_tokens WHERE consent_id = $1`, consentID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
