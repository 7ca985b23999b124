package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"banklink/internal/domain/notification"
	"banklink/internal/shared/logger"
)

// NotificationService is the device and inbox surface of notifications
type NotificationService interface {
	RegisterDevice(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error)
	ListNotifications(ctx context.Context, userID int64, page, perPage int) ([]*notification.Notification, int, error)
	MarkNotificationOpened(ctx context.Context, notificationID string, userID int64) error
}

type NotificationHandler struct {
	notifications NotificationService
	logger        *zap.Logger
}

func NewNotificationHandler(notifications NotificationService, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, logger: logger.OrNop(log).Named("http.notification")}
}

type RegisterDeviceRequest struct {
	Token    string `json:"token" validate:"required,max=4096"`
	Platform string `json:"platform" validate:"required,oneof=ios android web"`
}

type NotificationResponse struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Data      map[string]string `json:"data"`
	Opened    bool              `json:"opened"`
	OpenedAt  *time.Time        `json:"openedAt"`
	CreatedAt time.Time         `json:"createdAt"`
}

type NotificationListResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
	Pagination    PaginationResponse     `json:"pagination"`
}

type PaginationResponse struct {
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

const (
	defaultInboxPage = 20
	maxInboxPage     = 100
)

// HandleRegisterDevice handles POST /api/notifications/devices
func (h *NotificationHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req RegisterDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := h.notifications.RegisterDevice(r.Context(), notification.RegisterDeviceParams{
		UserID: userID, Token: req.Token, Platform: req.Platform,
	})
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to register device")
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

// inboxPage reads page and perPage, falling back to the first page of the
// default size on anything out of range.
func inboxPage(r *http.Request) (page, perPage int) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err = strconv.Atoi(q.Get("perPage"))
	if err != nil || perPage < 1 || perPage > maxInboxPage {
		perPage = defaultInboxPage
	}
	return page, perPage
}

// HandleList handles GET /api/notifications?page=&perPage=
func (h *NotificationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	page, perPage := inboxPage(r)

	inbox, total, err := h.notifications.ListNotifications(r.Context(), userID, page, perPage)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to list notifications")
		return
	}

	resp := NotificationListResponse{
		Notifications: make([]NotificationResponse, 0, len(inbox)),
		Pagination: PaginationResponse{
			Page:    page,
			PerPage: perPage,
			Total:   total,
			Pages:   (total + perPage - 1) / perPage,
		},
	}
	for _, n := range inbox {
		resp.Notifications = append(resp.Notifications, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleOpened handles POST /api/notifications/{id}/opened
func (h *NotificationHandler) HandleOpened(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.notifications.MarkNotificationOpened(r.Context(), r.PathValue("id"), userID); err != nil {
		writeDomainError(w, h.logger, err, "failed to mark notification as opened")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toNotificationResponse(n *notification.Notification) NotificationResponse {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	return NotificationResponse{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Category:  n.Category,
		Data:      data,
		Opened:    n.OpenedAt != nil,
		OpenedAt:  n.OpenedAt,
		CreatedAt: n.CreatedAt,
	}
}
