package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"banklink/internal/domain/audit"
)

// AuditRepository implements audit.Repository for PostgreSQL. Rows are
// only ever inserted.
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, userID int64, action audit.Action, details json.RawMessage) (*audit.Entry, error) {
	var e audit.Entry
	var act string
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (user_id, action, details)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, action, details, created_at
	`, userID, string(action), []byte(details)).Scan(&e.ID, &e.UserID, &act, &raw, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	e.Action = audit.Action(act)
	e.Details = json.RawMessage(raw)
	return &e, nil
}

func (r *AuditRepository) ListByUserID(ctx context.Context, userID int64, limit int) ([]*audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, action, details, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		var act string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.UserID, &act, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = audit.Action(act)
		e.Details = json.RawMessage(raw)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
