package openfinance

import (
	"sync/atomic"
	"time"
)

// Health tracks whether the aggregator looked reachable on the most recent
// call. It is advisory: calls are attempted regardless of its value.
type Health struct {
	down       atomic.Bool
	lastChange atomic.Int64
}

// HealthStatus is a read-only view of Health.
type HealthStatus struct {
	Up         bool      `json:"up"`
	LastChange time.Time `json:"lastChange,omitempty"`
}

func NewHealth() *Health {
	return &Health{}
}

func (h *Health) IsUp() bool {
	return !h.down.Load()
}

func (h *Health) Status() HealthStatus {
	s := HealthStatus{Up: h.IsUp()}
	if ns := h.lastChange.Load(); ns != 0 {
		s.LastChange = time.Unix(0, ns).UTC()
	}
	return s
}

func (h *Health) markDown() {
	if !h.down.Swap(true) {
		h.lastChange.Store(time.Now().UnixNano())
	}
}

func (h *Health) markUp() {
	if h.down.Swap(false) {
		h.lastChange.Store(time.Now().UnixNano())
	}
}
