package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"banklink/internal/domain/notification"
)

type mockNotificationService struct {
	RegisterDeviceFunc         func(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error)
	ListNotificationsFunc      func(ctx context.Context, userID int64, page, perPage int) ([]*notification.Notification, int, error)
	MarkNotificationOpenedFunc func(ctx context.Context, notificationID string, userID int64) error
}

func (m *mockNotificationService) RegisterDevice(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error) {
	if m.RegisterDeviceFunc != nil {
		return m.RegisterDeviceFunc(ctx, params)
	}
	return &notification.DeviceToken{UserID: params.UserID, Token: params.Token, Platform: params.Platform, IsActive: true}, nil
}

func (m *mockNotificationService) ListNotifications(ctx context.Context, userID int64, page, perPage int) ([]*notification.Notification, int, error) {
	if m.ListNotificationsFunc != nil {
		return m.ListNotificationsFunc(ctx, userID, page, perPage)
	}
	return nil, 0, nil
}

func (m *mockNotificationService) MarkNotificationOpened(ctx context.Context, notificationID string, userID int64) error {
	if m.MarkNotificationOpenedFunc != nil {
		return m.MarkNotificationOpenedFunc(ctx, notificationID, userID)
	}
	return nil
}

func TestHandleRegisterDevice(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "registered", body: `{"token":"fcm-token","platform":"ios"}`, wantStatus: http.StatusCreated},
		{name: "missing token", body: `{"platform":"ios"}`, wantStatus: http.StatusBadRequest, wantError: "token is required"},
		{name: "bad platform", body: `{"token":"t","platform":"symbian"}`, wantStatus: http.StatusBadRequest, wantError: "platform must be one of: ios android web"},
		{name: "unknown field", body: `{"token":"t","platform":"ios","deviceType":"x"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewNotificationHandler(&mockNotificationService{}, zaptest.NewLogger(t))
			rr := serve("POST /api/notifications/devices", h.HandleRegisterDevice, newRequest(http.MethodPost, "/api/notifications/devices", tt.body, 7))
			assert.Equal(t, tt.wantStatus, rr.Code)

			if tt.wantError != "" {
				var body errorResponse
				decodeBody(t, rr, &body)
				assert.Equal(t, tt.wantError, body.Error)
			}
			if tt.wantStatus == http.StatusCreated {
				var token notification.DeviceToken
				decodeBody(t, rr, &token)
				assert.Equal(t, int64(7), token.UserID)
				assert.Equal(t, "ios", token.Platform)
			}
		})
	}
}

func TestHandleListNotifications_Pagination(t *testing.T) {
	var gotPage, gotPer int
	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockNotificationService{ListNotificationsFunc: func(ctx context.Context, userID int64, page, perPage int) ([]*notification.Notification, int, error) {
		gotPage, gotPer = page, perPage
		return []*notification.Notification{{ID: "n-1", Title: "t", OpenedAt: &opened}}, 45, nil
	}}
	h := NewNotificationHandler(svc, zaptest.NewLogger(t))

	rr := serve("GET /api/notifications", h.HandleList, newRequest(http.MethodGet, "/api/notifications?page=2&perPage=500", "", 7))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, gotPage)
	assert.Equal(t, 20, gotPer)

	var body NotificationListResponse
	decodeBody(t, rr, &body)
	assert.Equal(t, 3, body.Pagination.Pages)
	require.Len(t, body.Notifications, 1)
	got := body.Notifications[0]
	assert.True(t, got.Opened)
	require.NotNil(t, got.OpenedAt)
	assert.True(t, opened.Equal(*got.OpenedAt))
	assert.NotNil(t, got.Data)
}

func TestHandleOpened(t *testing.T) {
	svc := &mockNotificationService{MarkNotificationOpenedFunc: func(ctx context.Context, id string, userID int64) error {
		if id == "missing" {
			return notification.ErrNotificationNotFound
		}
		return nil
	}}
	h := NewNotificationHandler(svc, zaptest.NewLogger(t))

	rr := serve("POST /api/notifications/{id}/opened", h.HandleOpened, newRequest(http.MethodPost, "/api/notifications/n-1/opened", "", 7))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = serve("POST /api/notifications/{id}/opened", h.HandleOpened, newRequest(http.MethodPost, "/api/notifications/missing/opened", "", 7))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInboxPage(t *testing.T) {
	tests := []struct {
		query             string
		wantPage, wantPer int
	}{
		{"", 1, 20},
		{"page=3&perPage=50", 3, 50},
		{"page=-1&perPage=0", 1, 20},
		{"page=two&perPage=101", 1, 20},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			page, per := inboxPage(httptest.NewRequest(http.MethodGet, "/api/notifications?"+tt.query, nil))
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantPer, per)
		})
	}
}
