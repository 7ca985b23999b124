package token

import "context"

// Repository stores at most one token record per consent
type Repository interface {
	// Upsert replaces the consent's token record
	Upsert(ctx context.Context, rec Record) error

	// GetByConsentID returns ErrTokenNotFound when the consent has no token
	GetByConsentID(ctx context.Context, consentID string) (*Record, error)

	// Delete removes the consent's token record, if any
	Delete(ctx context.Context, consentID string) error
}
