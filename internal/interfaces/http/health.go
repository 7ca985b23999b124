package http

import (
	"context"
	"net/http"
	"time"

	ofclient "banklink/internal/infrastructure/openfinance"
)

// Pinger checks a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// AggregatorHealth exposes the advisory reachability flag of the aggregator
type AggregatorHealth interface {
	Health() ofclient.HealthStatus
}

type HealthHandler struct {
	db         Pinger
	aggregator AggregatorHealth
}

func NewHealthHandler(db Pinger, aggregator AggregatorHealth) *HealthHandler {
	return &HealthHandler{db: db, aggregator: aggregator}
}

// HandleHealth handles GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAggregator handles GET /health/aggregator. It reports the state seen
// by recent calls without contacting the aggregator.
func (h *HealthHandler) HandleAggregator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.aggregator.Health())
}
