package consent

import (
	"context"
	"time"
)

// Repository defines the interface for consent data access
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Consent, error)

	// GetByID returns ErrConsentNotFound when missing
	GetByID(ctx context.Context, id string) (*Consent, error)

	// FindByCorrelation matches value against the consent's state or consent_ref
	FindByCorrelation(ctx context.Context, value string) (*Consent, error)

	ListByUserID(ctx context.Context, userID int64) ([]*Consent, error)

	ListByStatus(ctx context.Context, status Status) ([]*Consent, error)

	// ListExpirable returns ACTIVE or PENDING consents whose expires_at is before now
	ListExpirable(ctx context.Context, now time.Time) ([]*Consent, error)

	// Transition moves the consent to `to` only if its current status is one of
	// `from`; otherwise it returns ErrConsentStateConflict and changes nothing.
	Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Consent, error)

	// MarkInitialSynced stamps the first complete backfill; an existing stamp is kept
	MarkInitialSynced(ctx context.Context, id string, at time.Time) error
}

// InstitutionRepository defines the interface for institution data access
type InstitutionRepository interface {
	// FindByCode returns ErrInstitutionNotFound when missing
	FindByCode(ctx context.Context, code string) (*Institution, error)

	// Create returns ErrInstitutionExists when the code is already taken
	Create(ctx context.Context, code, name, logoURL string) (*Institution, error)

	GetByID(ctx context.Context, id int64) (*Institution, error)
}
