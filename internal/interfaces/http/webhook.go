package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"banklink/internal/domain/webhook"
	"banklink/internal/shared/logger"
)

const signatureHeader = "X-Signature"

// WebhookIngestor accepts signed aggregator notifications
type WebhookIngestor interface {
	Ingest(ctx context.Context, payload []byte, signature string) (*webhook.Event, error)
}

type WebhookHandler struct {
	ingestor WebhookIngestor
	logger   *zap.Logger
}

func NewWebhookHandler(ingestor WebhookIngestor, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, logger: logger.OrNop(log).Named("http.webhook")}
}

// HandleAggregator handles POST /api/webhooks/aggregator. The raw body is
// read once so the signature is checked over the exact bytes received.
func (h *WebhookHandler) HandleAggregator(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ev, err := h.ingestor.Ingest(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to process webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true, "eventId": ev.ID})
}
