// Package events defines the lifecycle events published for downstream
// consumers waiting on sync completion or consent changes.
package events

import (
	"context"
	"time"
)

// Type names a published event
type Type string

const (
	TypeSyncCompleted        Type = "sync.completed"
	TypeSyncFailed           Type = "sync.failed"
	TypeConsentStatusChanged Type = "consent.status_changed"
)

// Event is a message keyed for partitioning (consent id)
type Event struct {
	Type       Type
	Key        string
	UserID     int64
	OccurredAt time.Time
	Payload    any
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// ConsentStatusChanged is the payload of TypeConsentStatusChanged
type ConsentStatusChanged struct {
	ConsentID string `json:"consentId"`
	From      string `json:"from"`
	To        string `json:"to"`
}
