package token

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	ofclient "banklink/internal/infrastructure/openfinance"
	"banklink/internal/shared/logger"
)

// Encryptor seals tokens at rest
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Refresher obtains a new token pair from the aggregator
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*ofclient.TokenSet, error)
}

// Manager owns the consent's token record: it encrypts on write, decrypts at
// the point of use and refreshes tokens close to expiry.
type Manager struct {
	repo      Repository
	enc       Encryptor
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(repo Repository, enc Encryptor, refresher Refresher, log *zap.Logger) *Manager {
	return &Manager{
		repo:      repo,
		enc:       enc,
		refresher: refresher,
		logger:    logger.OrNop(log).Named("token"),
		now:       time.Now,
	}
}

// Store replaces the consent's token record with set.
func (m *Manager) Store(ctx context.Context, consentID string, set *ofclient.TokenSet) error {
	access, err := m.enc.Encrypt(set.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := m.enc.Encrypt(set.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	rec := Record{
		ConsentID:             consentID,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		TokenType:             set.TokenType,
		ExpiresAt:             set.ExpiresAt,
		UpdatedAt:             m.now(),
	}
	if err := m.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetUsableToken returns a plaintext access token for the consent,
// refreshing it first when it expires within RefreshWindow.
func (m *Manager) GetUsableToken(ctx context.Context, consentID string) (string, error) {
	rec, err := m.repo.GetByConsentID(ctx, consentID)
	if err != nil {
		return "", err
	}

	if !rec.needsRefresh(m.now()) {
		access, err := m.enc.Decrypt(rec.AccessTokenEncrypted)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt access token: %w", err)
		}
		return access, nil
	}

	return m.refresh(ctx, rec)
}

func (m *Manager) refresh(ctx context.Context, rec *Record) (string, error) {
	refreshToken, err := m.enc.Decrypt(rec.RefreshTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decrypt refresh token: %w", ErrTokenRefreshFailed, err)
	}

	set, err := m.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed",
			zap.String("consent_id", rec.ConsentID),
			zap.Time("expires_at", rec.ExpiresAt),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %w", ErrTokenRefreshFailed, err)
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	if set.TokenType == "" {
		set.TokenType = rec.TokenType
	}

	if err := m.Store(ctx, rec.ConsentID, set); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenRefreshFailed, err)
	}

	m.logger.Info("token refreshed",
		zap.String("consent_id", rec.ConsentID),
		zap.Time("expires_at", set.ExpiresAt),
	)
	return set.AccessToken, nil
}

// Delete removes the consent's token record.
func (m *Manager) Delete(ctx context.Context, consentID string) error {
	return m.repo.Delete(ctx, consentID)
}
