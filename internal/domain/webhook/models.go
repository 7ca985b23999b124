package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType tags an aggregator push notification
type EventType string

const (
	EventBalanceUpdated      EventType = "account.balance.updated"
	EventTransactionCreated  EventType = "transaction.created"
	EventAccountConnected    EventType = "account.connected"
	EventAccountDisconnected EventType = "account.disconnected"

	// EventUnknown is stored for payloads that could not be parsed
	EventUnknown EventType = "unknown"
)

// Domain errors
var (
	ErrSignatureInvalid = errors.New("webhook signature is invalid")
	ErrInvalidPayload   = errors.New("webhook payload is malformed")
	ErrUnknownAccount   = errors.New("webhook refers to an account that is not linked")
	ErrEventNotFound    = errors.New("webhook event not found")
)

// Event is the raw, append-only record of one push notification
type Event struct {
	ID          string          `json:"id"`
	EventType   EventType       `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	LastError   *string         `json:"lastError,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
}

// envelope is the wire shape of a push notification
type envelope struct {
	EventType EventType       `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

type balanceUpdatedData struct {
	AccountID        string  `json:"accountId"`
	Balance          string  `json:"balance"`
	AvailableBalance string  `json:"availableBalance"`
	CreditLimit      *string `json:"creditLimit"`
	Currency         string  `json:"currency"`
	AsAt             string  `json:"asAt"`
}

type transactionCreatedData struct {
	AccountID   string          `json:"accountId"`
	Transaction json.RawMessage `json:"transaction"`
}

type accountEventData struct {
	AccountID  string `json:"accountId"`
	ConsentRef string `json:"consentRef"`
}

// ReplayResult summarizes a replay of unprocessed events
type ReplayResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}
