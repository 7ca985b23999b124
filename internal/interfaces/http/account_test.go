package http

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"banklink/internal/domain/account"
	"banklink/internal/domain/openfinance"
	"banklink/internal/domain/transaction"
	"banklink/internal/infrastructure/postgres"
)

type mockAccountReader struct {
	ListAccountsByUserIDFunc func(ctx context.Context, userID int64) ([]*account.ConnectedAccount, error)
	GetAccountFunc           func(ctx context.Context, accountID string, userID int64) (*account.ConnectedAccount, error)
}

func (m *mockAccountReader) ListAccountsByUserID(ctx context.Context, userID int64) ([]*account.ConnectedAccount, error) {
	if m.ListAccountsByUserIDFunc != nil {
		return m.ListAccountsByUserIDFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockAccountReader) GetAccount(ctx context.Context, accountID string, userID int64) (*account.ConnectedAccount, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, accountID, userID)
	}
	return nil, account.ErrAccountNotFound
}

type mockSyncService struct {
	SyncUserFunc    func(ctx context.Context, userID int64) (*openfinance.UserSyncResult, error)
	SyncAccountFunc func(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error)
}

func (m *mockSyncService) SyncUser(ctx context.Context, userID int64) (*openfinance.UserSyncResult, error) {
	return m.SyncUserFunc(ctx, userID)
}

func (m *mockSyncService) SyncAccount(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error) {
	return m.SyncAccountFunc(ctx, userID, accountID)
}

func TestHandleListAccounts(t *testing.T) {
	tests := []struct {
		name       string
		userID     int64
		accounts   []*account.ConnectedAccount
		err        error
		wantStatus int
		wantCount  int
	}{
		{
			name:   "success",
			userID: 1,
			accounts: []*account.ConnectedAccount{
				{ID: "a-1", UserID: 1, Name: "Checking", Balance: decimal.RequireFromString("10.50"), Status: account.StatusActive},
			},
			wantStatus: http.StatusOK,
			wantCount:  1,
		},
		{name: "empty list", userID: 1, accounts: []*account.ConnectedAccount{}, wantStatus: http.StatusOK},
		{name: "unauthorized", wantStatus: http.StatusUnauthorized},
		{name: "service error", userID: 1, err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &mockAccountReader{ListAccountsByUserIDFunc: func(ctx context.Context, userID int64) ([]*account.ConnectedAccount, error) {
				return tt.accounts, tt.err
			}}
			h := NewAccountHandler(reader, nil, zaptest.NewLogger(t))

			rr := serve("GET /api/accounts", h.HandleListAccounts, newRequest(http.MethodGet, "/api/accounts", "", tt.userID))
			assert.Equal(t, tt.wantStatus, rr.Code)

			if tt.wantStatus == http.StatusOK {
				var body []account.Summary
				decodeBody(t, rr, &body)
				assert.Len(t, body, tt.wantCount)
				if tt.wantCount > 0 {
					assert.True(t, decimal.RequireFromString("10.5").Equal(body[0].Balance))
				}
			}
		})
	}
}

func TestHandleGetAccount_MalformedIDIsNotFound(t *testing.T) {
	svc := account.NewService(postgres.NewAccountRepository(nil))
	h := NewAccountHandler(svc, &mockSyncService{}, zaptest.NewLogger(t))

	rr := serve("GET /api/accounts/{id}", h.HandleGetAccount, newRequest(http.MethodGet, "/api/accounts/abc", "", 7))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleSyncAll(t *testing.T) {
	syncer := &mockSyncService{SyncUserFunc: func(ctx context.Context, userID int64) (*openfinance.UserSyncResult, error) {
		return &openfinance.UserSyncResult{UserID: userID, Success: false, Errors: []string{"consent c-2: boom"}}, nil
	}}
	h := NewAccountHandler(&mockAccountReader{}, syncer, zaptest.NewLogger(t))

	rr := serve("POST /api/accounts/sync", h.HandleSyncAll, newRequest(http.MethodPost, "/api/accounts/sync", "", 7))
	require.Equal(t, http.StatusOK, rr.Code)

	var body openfinance.UserSyncResult
	decodeBody(t, rr, &body)
	assert.Equal(t, int64(7), body.UserID)
	assert.False(t, body.Success)
	assert.Equal(t, []string{"consent c-2: boom"}, body.Errors)
}

func TestHandleSyncAccount(t *testing.T) {
	tests := []struct {
		name       string
		result     *openfinance.SyncResult
		err        error
		wantStatus int
	}{
		{name: "synced", result: &openfinance.SyncResult{ConsentID: "c-1", Success: true, TransactionsSynced: 3}, wantStatus: http.StatusOK},
		{name: "lock held", err: openfinance.ErrSyncInProgress, wantStatus: http.StatusConflict},
		{name: "not owned", err: account.ErrAccountNotFound, wantStatus: http.StatusNotFound},
		{name: "run failed with result", result: &openfinance.SyncResult{ConsentID: "c-1", Errors: []string{"token"}}, err: errors.New("token refresh failed"), wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAccount string
			syncer := &mockSyncService{SyncAccountFunc: func(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error) {
				gotAccount = accountID
				return tt.result, tt.err
			}}
			h := NewAccountHandler(&mockAccountReader{}, syncer, zaptest.NewLogger(t))

			rr := serve("POST /api/accounts/{id}/sync", h.HandleSyncAccount, newRequest(http.MethodPost, "/api/accounts/a-9/sync", "", 7))
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "a-9", gotAccount)
		})
	}
}

type mockTransactionLister struct {
	gotAccount string
	gotLimit   int
}

func (m *mockTransactionLister) ListByAccountID(ctx context.Context, accountID string, limit int) ([]*transaction.Transaction, error) {
	m.gotAccount, m.gotLimit = accountID, limit
	return nil, nil
}

func TestHandleListTransactions(t *testing.T) {
	reader := &mockAccountReader{GetAccountFunc: func(ctx context.Context, id string, userID int64) (*account.ConnectedAccount, error) {
		if userID != 7 {
			return nil, account.ErrAccountNotFound
		}
		return &account.ConnectedAccount{ID: id, UserID: userID}, nil
	}}
	lister := &mockTransactionLister{}
	h := NewTransactionHandler(reader, lister, zaptest.NewLogger(t))

	rr := serve("GET /api/accounts/{id}/transactions", h.HandleListTransactions, newRequest(http.MethodGet, "/api/accounts/a-1/transactions?limit=10000", "", 7))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.Equal(t, "a-1", lister.gotAccount)
	assert.Equal(t, maxTransactionLimit, lister.gotLimit)

	rr = serve("GET /api/accounts/{id}/transactions", h.HandleListTransactions, newRequest(http.MethodGet, "/api/accounts/a-1/transactions", "", 8))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
