package account

import (
	"context"
	"errors"
)

// Service contains the read-side business logic for connected accounts
type Service struct {
	repo Repository
}

// NewService creates a new account service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetAccount retrieves an account by ID and verifies user ownership.
// Accounts of other users are reported as not found.
func (s *Service) GetAccount(ctx context.Context, accountID string, userID int64) (*ConnectedAccount, error) {
	acct, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// ListAccountsByUserID retrieves all accounts for a specific user
func (s *Service) ListAccountsByUserID(ctx context.Context, userID int64) ([]*ConnectedAccount, error) {
	if userID <= 0 {
		return nil, errors.New("valid user ID is required")
	}
	return s.repo.ListByUserID(ctx, userID)
}

// SummariesForConsent lists the account summaries linked through a consent
func (s *Service) SummariesForConsent(ctx context.Context, consentID string) ([]Summary, error) {
	accounts, err := s.repo.ListByConsentID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(accounts))
	for _, a := range accounts {
		summaries = append(summaries, a.Summary())
	}
	return summaries, nil
}
