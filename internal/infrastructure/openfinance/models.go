package openfinance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// InstitutionsResponse represents the API response for the institution catalogue
type InstitutionsResponse struct {
	Data []Institution `json:"data"`
}

// Institution represents a financial data source exposed by the aggregator
type Institution struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	LogoURL string `json:"logoUrl"`
}

// ConsentSessionRequest is sent when a user starts linking a bank
type ConsentSessionRequest struct {
	InstitutionCode string    `json:"institutionCode"`
	Scopes          []string  `json:"scopes"`
	ExpiresAt       time.Time `json:"expiresAt"`
	State           string    `json:"state"`
	Nonce           string    `json:"nonce"`
	RedirectURI     string    `json:"redirectUri"`
}

// ConsentSession is the aggregator-side handle for a pending consent
type ConsentSession struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirectUrl"`
}

// AccountsResponse represents the API response for account data
type AccountsResponse struct {
	Data []Account `json:"data"`
}

// Account represents an account from the aggregator API. Any balance in the
// listing is ignored; balances come from the balances endpoint only.
type Account struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	InstitutionName string `json:"institutionName"`
	MaskedNumber    string `json:"maskedNumber"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// BalancesResponse represents the API response for an account's balances
type BalancesResponse struct {
	Data []Balance `json:"data"`
}

// Balance is a point-in-time balance reported by the aggregator
type Balance struct {
	AccountID         string  `json:"accountId"`
	CurrentString     string  `json:"current"`
	AvailableString   string  `json:"available"`
	CreditLimitString *string `json:"creditLimit"`
	Currency          string  `json:"currency"`
	AsAt              string  `json:"asAt"`
}

func (b *Balance) GetCurrent() (decimal.Decimal, error) {
	return parseAmount("current", b.CurrentString)
}

func (b *Balance) GetAvailable() (decimal.Decimal, error) {
	return parseAmount("available", b.AvailableString)
}

// GetCreditLimit returns nil when the account has no credit line
func (b *Balance) GetCreditLimit() (*decimal.Decimal, error) {
	if b.CreditLimitString == nil || *b.CreditLimitString == "" {
		return nil, nil
	}
	limit, err := parseAmount("creditLimit", *b.CreditLimitString)
	if err != nil {
		return nil, err
	}
	return &limit, nil
}

// GetAsAt parses the snapshot timestamp, defaulting to now when absent
func (b *Balance) GetAsAt() (time.Time, error) {
	if b.AsAt == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, b.AsAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse asAt '%s': %w", b.AsAt, err)
	}
	return t, nil
}

// TransactionsQuery selects one page of an account's transactions
type TransactionsQuery struct {
	From     time.Time
	To       time.Time
	PageSize int
	Cursor   string
}

// TransactionsResponse represents one page of transactions
type TransactionsResponse struct {
	Data     []Transaction `json:"data"`
	NextPage string        `json:"nextPage,omitempty"`
}

// Transaction represents a transaction from the aggregator API
type Transaction struct {
	ID                string  `json:"id"`
	Description       string  `json:"description"`
	AmountString      string  `json:"amount"` // API returns amount as string
	Currency          string  `json:"currency"`
	DateString        string  `json:"date"` // "2025-09-28" or RFC3339
	BookingDateString *string `json:"bookingDate"`
	Type              string  `json:"type"`   // "DEBIT" or "CREDIT"
	Status            string  `json:"status"` // "PENDING" or "POSTED"
	Category          *string `json:"category"`
}

func (t *Transaction) GetAmount() (decimal.Decimal, error) {
	return parseAmount("amount", t.AmountString)
}

func (t *Transaction) GetDate() (time.Time, error) {
	return parseDate("date", t.DateString)
}

func (t *Transaction) GetBookingDate() (*time.Time, error) {
	if t.BookingDateString == nil || *t.BookingDateString == "" {
		return nil, nil
	}
	d, err := parseDate("bookingDate", *t.BookingDateString)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// TokenSet is the credential pair returned by the aggregator's token endpoint
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s '%s': %w", field, s, err)
	}
	return d, nil
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing %s", field)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s '%s': %w", field, s, err)
	}
	return t, nil
}
