package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"banklink/internal/domain/webhook"
)

// WebhookRepository implements webhook.Repository for PostgreSQL
type WebhookRepository struct {
	db *DB
}

func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `id, event_type, payload, processed, processed_at, last_error, received_at`

func scanWebhookEvent(row rowScanner) (*webhook.Event, error) {
	var e webhook.Event
	var eventType string
	var payload []byte
	var processedAt sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(&e.ID, &eventType, &payload, &e.Processed, &processedAt, &lastError, &e.ReceivedAt); err != nil {
		return nil, err
	}
	e.EventType = webhook.EventType(eventType)
	e.Payload = json.RawMessage(payload)
	e.ProcessedAt = timePtr(processedAt)
	e.LastError = stringPtr(lastError)
	return &e, nil
}

func (r *WebhookRepository) Create(ctx context.Context, eventType webhook.EventType, payload json.RawMessage, receivedAt time.Time) (*webhook.Event, error) {
	query := `
		INSERT INTO webhook_events (event_type, payload, received_at)
		VALUES ($1, $2, $3)
		RETURNING ` + webhookColumns

	e, err := scanWebhookEvent(r.db.QueryRowContext(ctx, query, string(eventType), []byte(payload), receivedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}
	return e, nil
}

func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = $2, last_error = NULL WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_events SET last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ListUnprocessed returns the oldest unprocessed events first.
func (r *WebhookRepository) ListUnprocessed(ctx context.Context, limit int) ([]*webhook.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE NOT processed ORDER BY received_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var events []*webhook.Event
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
