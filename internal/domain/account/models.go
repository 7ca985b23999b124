package account

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a mirrored bank account
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusClosed   Status = "CLOSED"
)

// Domain errors
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidCurrency = errors.New("valid ISO 4217 currency is required")
)

// ConnectedAccount is a remote bank account mirrored locally. It is unique
// per (UserID, RemoteAccountID) and owned by exactly one consent.
type ConnectedAccount struct {
	ID               string          `json:"id"`
	UserID           int64           `json:"userId"`
	ConsentID        string          `json:"consentId"`
	RemoteAccountID  string          `json:"remoteAccountId"`
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	InstitutionName  string          `json:"institutionName"`
	MaskedNumber     string          `json:"maskedNumber"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	BalanceAsAt      *time.Time      `json:"balanceAsAt,omitempty"`
	Status           Status          `json:"status"`
	LastSyncAt       *time.Time      `json:"lastSyncAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Summary is the account view embedded in consent responses
type Summary struct {
	ID              string          `json:"id"`
	RemoteAccountID string          `json:"remoteAccountId"`
	Name            string          `json:"name"`
	MaskedNumber    string          `json:"maskedNumber"`
	Status          Status          `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	Currency        string          `json:"currency"`
	LastSyncAt      *time.Time      `json:"lastSyncAt,omitempty"`
}

func (a *ConnectedAccount) Summary() Summary {
	return Summary{
		ID:              a.ID,
		RemoteAccountID: a.RemoteAccountID,
		Name:            a.Name,
		MaskedNumber:    a.MaskedNumber,
		Status:          a.Status,
		Balance:         a.Balance,
		Currency:        a.Currency,
		LastSyncAt:      a.LastSyncAt,
	}
}

// Balance is an append-only point-in-time snapshot
type Balance struct {
	ID          int64            `json:"id"`
	AccountID   string           `json:"accountId"`
	AsAt        time.Time        `json:"asAt"`
	Current     decimal.Decimal  `json:"current"`
	Available   decimal.Decimal  `json:"available"`
	CreditLimit *decimal.Decimal `json:"creditLimit,omitempty"`
	Currency    string           `json:"currency"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// UpsertParams contains parameters for upserting an account keyed by
// (UserID, RemoteAccountID). Balances are not part of it: the cached balance
// only ever comes from RecordBalance.
type UpsertParams struct {
	UserID          int64
	ConsentID       string
	RemoteAccountID string
	Name            string
	Type            string
	InstitutionName string
	MaskedNumber    string
	Currency        string
	Status          Status
	SyncedAt        time.Time
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.UserID <= 0 {
		return errors.New("valid user ID is required for upsert")
	}
	if p.ConsentID == "" {
		return errors.New("consent ID is required for upsert")
	}
	if p.RemoteAccountID == "" {
		return errors.New("remote account ID is required for upsert")
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	switch p.Status {
	case StatusActive, StatusInactive, StatusClosed:
	default:
		return ErrInvalidInput
	}
	return nil
}

// AcceptsSnapshot reports whether a snapshot taken at asAt may replace the
// cached balance. Older snapshots are stored but never cached.
func (a *ConnectedAccount) AcceptsSnapshot(asAt time.Time) bool {
	return a.BalanceAsAt == nil || !asAt.Before(*a.BalanceAsAt)
}

// BalanceParams describes a snapshot to append
type BalanceParams struct {
	AccountID   string
	AsAt        time.Time
	Current     decimal.Decimal
	Available   decimal.Decimal
	CreditLimit *decimal.Decimal
	Currency    string
}

// StatusFromRemote mirrors the aggregator's account status. INACTIVE is
// only ever set locally.
func StatusFromRemote(remote string) Status {
	if strings.EqualFold(remote, string(StatusClosed)) {
		return StatusClosed
	}
	return StatusActive
}

// IsValidCurrency checks for a three-letter upper-case ISO 4217 code.
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
