package webhook

import (
	"context"
	"encoding/json"
	"time"
)

// Repository stores raw webhook events
type Repository interface {
	Create(ctx context.Context, eventType EventType, payload json.RawMessage, receivedAt time.Time) (*Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	ListUnprocessed(ctx context.Context, limit int) ([]*Event, error)
}
