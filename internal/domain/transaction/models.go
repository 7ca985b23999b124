package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeDebit  = "DEBIT"
	TypeCredit = "CREDIT"

	StatusPending = "PENDING"
	StatusPosted  = "POSTED"
)

// ErrInvalidType is returned for a type other than DEBIT or CREDIT
var ErrInvalidType = errors.New("transaction type must be DEBIT or CREDIT")

// Transaction represents a financial movement on a connected account
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	UserID      int64           `json:"userId"`
	RemoteID    *string         `json:"remoteId,omitempty"`
	DedupKey    string          `json:"-"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Date        time.Time       `json:"date"`
	BookingDate *time.Time      `json:"bookingDate,omitempty"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Category    *string         `json:"category,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// UpsertParams contains parameters for an idempotent transaction upsert
type UpsertParams struct {
	AccountID   string
	UserID      int64
	RemoteID    string
	Description string
	Amount      decimal.Decimal
	Currency    string
	Date        time.Time
	BookingDate *time.Time
	Type        string
	Status      string
	Category    *string
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.AccountID == "" {
		return errors.New("account ID is required for upsert")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required for upsert")
	}
	if p.Date.IsZero() {
		return errors.New("transaction date is required")
	}
	if p.Type != TypeDebit && p.Type != TypeCredit {
		return ErrInvalidType
	}
	return nil
}

// DedupKey is the natural key of a transaction within its account: the
// remote id when the aggregator supplies one, otherwise a hash of the
// account, transaction date (UTC day), amount and description.
func (p UpsertParams) DedupKey() string {
	if p.RemoteID != "" {
		return "r:" + p.RemoteID
	}
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		p.AccountID,
		p.Date.UTC().Format("2006-01-02"),
		p.Amount.String(),
		strings.TrimSpace(p.Description),
	}, "|")))
	return "h:" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeType maps aggregator type strings onto DEBIT/CREDIT, falling
// back to the amount's sign.
func NormalizeType(remote string, amount decimal.Decimal) string {
	switch strings.ToUpper(remote) {
	case TypeDebit:
		return TypeDebit
	case TypeCredit:
		return TypeCredit
	}
	if amount.IsNegative() {
		return TypeDebit
	}
	return TypeCredit
}

// NormalizeStatus treats anything other than PENDING as POSTED.
func NormalizeStatus(remote string) string {
	if strings.EqualFold(remote, StatusPending) {
		return StatusPending
	}
	return StatusPosted
}
