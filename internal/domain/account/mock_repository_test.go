package account

import (
	"context"
)

// MockRepository is a mock implementation of Repository interface
type MockRepository struct {
	UpsertFunc             func(ctx context.Context, params UpsertParams) (*ConnectedAccount, error)
	GetByIDFunc            func(ctx context.Context, id string) (*ConnectedAccount, error)
	ListByUserIDFunc       func(ctx context.Context, userID int64) ([]*ConnectedAccount, error)
	ListByConsentIDFunc    func(ctx context.Context, consentID string) ([]*ConnectedAccount, error)
	ListByRemoteIDFunc     func(ctx context.Context, remoteAccountID string) ([]*ConnectedAccount, error)
	RecordBalanceFunc      func(ctx context.Context, params BalanceParams) (*Balance, error)
	SetStatusFunc          func(ctx context.Context, id string, status Status) error
	SetStatusByConsentFunc func(ctx context.Context, consentID string, status Status) (int64, error)
}

func (m *MockRepository) Upsert(ctx context.Context, params UpsertParams) (*ConnectedAccount, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, params)
	}
	return nil, nil
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*ConnectedAccount, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, ErrAccountNotFound
}

func (m *MockRepository) ListByUserID(ctx context.Context, userID int64) ([]*ConnectedAccount, error) {
	if m.ListByUserIDFunc != nil {
		return m.ListByUserIDFunc(ctx, userID)
	}
	return nil, nil
}

func (m *MockRepository) ListByConsentID(ctx context.Context, consentID string) ([]*ConnectedAccount, error) {
	if m.ListByConsentIDFunc != nil {
		return m.ListByConsentIDFunc(ctx, consentID)
	}
	return nil, nil
}

func (m *MockRepository) ListByRemoteID(ctx context.Context, remoteAccountID string) ([]*ConnectedAccount, error) {
	if m.ListByRemoteIDFunc != nil {
		return m.ListByRemoteIDFunc(ctx, remoteAccountID)
	}
	return nil, nil
}

func (m *MockRepository) RecordBalance(ctx context.Context, params BalanceParams) (*Balance, error) {
	if m.RecordBalanceFunc != nil {
		return m.RecordBalanceFunc(ctx, params)
	}
	return &Balance{}, nil
}

func (m *MockRepository) SetStatus(ctx context.Context, id string, status Status) error {
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, id, status)
	}
	return nil
}

func (m *MockRepository) SetStatusByConsent(ctx context.Context, consentID string, status Status) (int64, error) {
	if m.SetStatusByConsentFunc != nil {
		return m.SetStatusByConsentFunc(ctx, consentID, status)
	}
	return 0, nil
}
