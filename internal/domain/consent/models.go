package consent

import (
	"errors"
	"fmt"
	"time"
)

// Status of a consent. PENDING -> ACTIVE -> {REVOKED, EXPIRED}; PENDING may
// also expire. REVOKED and EXPIRED are terminal.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

// MaxDurationDays caps how long a consent may be granted for.
const MaxDurationDays = 365

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusExpired},
	StatusActive:  {StatusRevoked, StatusExpired},
}

// Domain errors
var (
	ErrConsentNotFound      = errors.New("consent not found")
	ErrConsentStateConflict = errors.New("consent is not in a state that allows this operation")
	ErrConfiguration        = errors.New("bank integration is misconfigured")
	ErrInvalidDuration      = fmt.Errorf("%w: durationDays must be between 1 and %d", ErrConfiguration, MaxDurationDays)
	ErrUpstreamUnavailable  = errors.New("bank provider is temporarily unavailable")
	ErrInstitutionNotFound  = errors.New("institution not found")
	ErrInstitutionExists    = errors.New("institution already exists")
	ErrAuthorizationDenied  = errors.New("authorization was denied at the bank")
	ErrInvalidCallback      = errors.New("callback is missing code or state")
)

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// Institution is a financial data source. Immutable once created.
type Institution struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	LogoURL   string    `json:"logoUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Consent is one time-boxed authorization grant.
type Consent struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"userId"`
	InstitutionID int64      `json:"institutionId"`
	Status        Status     `json:"status"`
	Scopes        []string   `json:"scopes"`
	ConsentRef    string     `json:"consentRef"`
	State         string     `json:"-"`
	Nonce         string     `json:"-"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	GrantedAt     *time.Time `json:"grantedAt,omitempty"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	// InitialSyncedAt is set once the initial backfill completes without errors
	InitialSyncedAt *time.Time `json:"initialSyncedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// CreateParams contains parameters for creating a PENDING consent
type CreateParams struct {
	ID            string
	UserID        int64
	InstitutionID int64
	Scopes        []string
	ConsentRef    string
	State         string
	Nonce         string
	ExpiresAt     time.Time
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.ID == "" {
		return errors.New("consent ID is required")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.InstitutionID <= 0 {
		return errors.New("institution ID is required")
	}
	if p.ConsentRef == "" || p.State == "" {
		return errors.New("consent reference and state are required")
	}
	return nil
}

// StartParams is the input of Service.StartConsent
type StartParams struct {
	UserID          int64
	DurationDays    int
	InstitutionCode string
}

// StartResult is returned to the caller that initiated a bank link
type StartResult struct {
	ConsentID   string `json:"consentId"`
	RedirectURL string `json:"redirectUrl"`
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
}

// CallbackParams carries the query of the aggregator's redirect
type CallbackParams struct {
	Code  string
	State string
	Error string
}

// SweepResult summarizes one expiry sweep
type SweepResult struct {
	Expired int      `json:"expired"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}
