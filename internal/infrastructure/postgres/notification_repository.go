package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"banklink/internal/domain/notification"
)

// NotificationRepository implements notification.Repository for PostgreSQL
type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, user_id, title, message, category, data, opened_at, created_at`

func scanNotification(row rowScanner, extra ...any) (*notification.Notification, error) {
	var n notification.Notification
	var data []byte
	var openedAt sql.NullTime
	dest := append([]any{&n.ID, &n.UserID, &n.Title, &n.Message, &n.Category, &data, &openedAt, &n.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	n.OpenedAt = timePtr(openedAt)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("notification %s has malformed data: %w", n.ID, err)
		}
	}
	return &n, nil
}

// SaveDevice registers a token, moving it to params.UserID and reactivating
// it when it already exists.
func (r *NotificationRepository) SaveDevice(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error) {
	query := `
		INSERT INTO fcm_device_tokens (user_id, token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE
			SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, is_active = TRUE, last_used = NOW()
		RETURNING id, user_id, token, platform, is_active, created_at, last_used`

	var dt notification.DeviceToken
	err := r.db.QueryRowContext(ctx, query, params.UserID, params.Token, params.Platform).
		Scan(&dt.ID, &dt.UserID, &dt.Token, &dt.Platform, &dt.IsActive, &dt.CreatedAt, &dt.LastUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to save device token: %w", err)
	}
	return &dt, nil
}

func (r *NotificationRepository) ActiveTokens(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token FROM fcm_device_tokens
		WHERE user_id = $1 AND is_active
		ORDER BY last_used DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// DeactivateToken is a no-op for unknown tokens.
func (r *NotificationRepository) DeactivateToken(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE fcm_device_tokens SET is_active = FALSE WHERE token = $1 AND is_active`, token); err != nil {
		return fmt.Errorf("failed to deactivate device token: %w", err)
	}
	return nil
}

func (r *NotificationRepository) Record(ctx context.Context, params notification.CreateNotificationParams) (*notification.Notification, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	data := params.Data
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification data: %w", err)
	}

	query := `
		INSERT INTO fcm_notifications (user_id, title, message, category, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRowContext(ctx, query,
		params.UserID, params.Title, params.Message, params.Category, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to record notification: %w", err)
	}
	return n, nil
}

// ListInbox reads the page and the total in one round trip. A page past the
// end has no rows to carry the total, so it is counted separately.
func (r *NotificationRepository) ListInbox(ctx context.Context, userID int64, limit, offset int) ([]*notification.Notification, int, error) {
	query := `
		SELECT ` + notificationColumns + `, COUNT(*) OVER ()
		FROM fcm_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var (
		items []*notification.Notification
		total int
	)
	for rows.Next() {
		n, err := scanNotification(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}

	if len(items) == 0 && offset > 0 {
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM fcm_notifications WHERE user_id = $1`, userID).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
		}
	}
	return items, total, nil
}

// MarkOpened keeps the first opened_at. A malformed id or someone else's
// notification reads as not found.
func (r *NotificationRepository) MarkOpened(ctx context.Context, notificationID string, userID int64) error {
	if _, err := uuid.Parse(notificationID); err != nil {
		return notification.ErrNotificationNotFound
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE fcm_notifications SET opened_at = COALESCE(opened_at, NOW())
		WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification opened: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark notification opened: %w", err)
	}
	if n == 0 {
		return notification.ErrNotificationNotFound
	}
	return nil
}
