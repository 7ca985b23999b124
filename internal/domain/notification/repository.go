package notification

import "context"

// Repository stores device registrations and the per-user inbox.
type Repository interface {
	SaveDevice(ctx context.Context, params RegisterDeviceParams) (*DeviceToken, error)
	// ActiveTokens returns the user's live tokens, most recently used first.
	ActiveTokens(ctx context.Context, userID int64) ([]string, error)
	DeactivateToken(ctx context.Context, token string) error

	Record(ctx context.Context, params CreateNotificationParams) (*Notification, error)
	// ListInbox returns one page, newest first, and the user's total.
	ListInbox(ctx context.Context, userID int64, limit, offset int) ([]*Notification, int, error)
	MarkOpened(ctx context.Context, notificationID string, userID int64) error
}
