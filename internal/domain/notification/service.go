package notification

import (
	"context"
	"errors"
	"maps"

	"go.uber.org/zap"

	"banklink/internal/shared/logger"
	"banklink/internal/shared/messages"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Service struct {
	repo      Repository
	messenger Messenger
	texts     *messages.Messages
	logger    *zap.Logger
}

// NewService creates the notification service. messenger may be nil when
// push delivery is not configured; inbox entries are still recorded.
func NewService(repo Repository, messenger Messenger, texts *messages.Messages, log *zap.Logger) *Service {
	if texts == nil {
		texts = messages.Defaults()
	}
	return &Service{
		repo:      repo,
		messenger: messenger,
		texts:     texts,
		logger:    logger.OrNop(log).Named("notification"),
	}
}

// RegisterDevice stores a device token for the user. A token previously
// registered by someone else moves to this user.
func (s *Service) RegisterDevice(ctx context.Context, params RegisterDeviceParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.repo.SaveDevice(ctx, params)
}

func (s *Service) ListNotifications(ctx context.Context, userID int64, page, perPage int) ([]*Notification, int, error) {
	if userID <= 0 {
		return nil, 0, ErrInvalidUser
	}
	page = max(page, 1)
	if perPage < 1 || perPage > maxPageSize {
		perPage = defaultPageSize
	}
	return s.repo.ListInbox(ctx, userID, perPage, (page-1)*perPage)
}

func (s *Service) MarkNotificationOpened(ctx context.Context, notificationID string, userID int64) error {
	if notificationID == "" {
		return errors.New("notification ID is required")
	}
	if userID <= 0 {
		return ErrInvalidUser
	}
	return s.repo.MarkOpened(ctx, notificationID, userID)
}

// NotifyConsentExpired tells the user a bank connection needs renewing.
func (s *Service) NotifyConsentExpired(ctx context.Context, userID int64, consentID string) error {
	title, body := s.texts.ConsentExpired.Render(shortID(consentID))
	return s.Send(ctx, userID, Push{
		Title:       title,
		Body:        body,
		Category:    CategoryConsents,
		Data:        map[string]string{"consentId": consentID, "reason": "expired"},
		CollapseKey: "consent-" + consentID,
	})
}

// NotifySyncFailed tells the user the first load of a new connection failed.
func (s *Service) NotifySyncFailed(ctx context.Context, userID int64, consentID string) error {
	title, body := s.texts.SyncFailed.Render(shortID(consentID))
	return s.Send(ctx, userID, Push{
		Title:       title,
		Body:        body,
		Category:    CategorySync,
		Data:        map[string]string{"consentId": consentID, "reason": "initial_sync_failed"},
		CollapseKey: "sync-" + consentID,
	})
}

// SendToUser is Send for a plain title and body.
func (s *Service) SendToUser(ctx context.Context, userID int64, title, body, category string, data map[string]string) error {
	return s.Send(ctx, userID, Push{Title: title, Body: body, Category: category, Data: data})
}

// Send pushes p to every active device of the user and records it in the
// inbox. Only a bad category or a failed token lookup is returned; delivery
// and recording failures are logged.
func (s *Service) Send(ctx context.Context, userID int64, p Push) error {
	pol, ok := policies[p.Category]
	if !ok {
		return ErrInvalidCategory
	}
	if p.TTL == 0 {
		p.TTL = pol.ttl
	}
	p.Urgent = p.Urgent || pol.urgent

	data := make(map[string]string, len(p.Data)+1)
	maps.Copy(data, p.Data)
	if _, ok := data["route"]; !ok {
		data["route"] = p.Category
	}
	p.Data = data

	tokens, err := s.repo.ActiveTokens(ctx, userID)
	if err != nil {
		return err
	}
	s.deliver(ctx, userID, tokens, p)

	if _, err := s.repo.Record(ctx, CreateNotificationParams{
		UserID:   userID,
		Title:    p.Title,
		Message:  p.Body,
		Category: p.Category,
		Data:     p.Data,
	}); err != nil {
		s.logger.Warn("failed to record notification", zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, userID int64, tokens []string, p Push) {
	log := s.logger.With(zap.Int64("user_id", userID), zap.String("category", p.Category))
	switch {
	case len(tokens) == 0:
		log.Debug("no active device tokens")
		return
	case s.messenger == nil:
		log.Debug("push delivery not configured")
		return
	}

	d, err := s.messenger.Deliver(ctx, tokens, p)
	if err != nil {
		log.Warn("failed to deliver push", zap.Error(err))
		return
	}
	if d.Failed > 0 || d.Pruned > 0 {
		log.Info("push partially delivered",
			zap.Int("sent", d.Sent), zap.Int("failed", d.Failed), zap.Int("pruned", d.Pruned))
	}
}

// DeactivateToken marks a token rejected by the push provider as inactive.
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	return s.repo.DeactivateToken(ctx, token)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
