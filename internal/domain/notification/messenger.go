package notification

import (
	"context"
	"time"
)

// Push is one message fanned out to every active device of a user.
type Push struct {
	Title    string
	Body     string
	Category string
	Data     map[string]string
	// CollapseKey lets a newer push replace an undelivered older one on the
	// device, e.g. repeated expiry warnings for the same consent.
	CollapseKey string
	TTL         time.Duration
	Urgent      bool
}

// Delivery summarizes one fan-out.
type Delivery struct {
	Sent   int
	Failed int
	Pruned int // tokens the provider reported as gone and were deactivated
}

// Messenger delivers pushes. Implemented by the FCM client.
type Messenger interface {
	Deliver(ctx context.Context, tokens []string, p Push) (Delivery, error)
}
