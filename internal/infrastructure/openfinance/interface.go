package openfinance

import (
	"context"
)

// ClientInterface defines the methods required from the aggregator API client
type ClientInterface interface {
	GetInstitutions(ctx context.Context) ([]Institution, error)
	CreateConsentSession(ctx context.Context, req ConsentSessionRequest) (*ConsentSession, error)
	AuthorizeURL(state, nonce string) string
	ExchangeCodeForToken(ctx context.Context, code string) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
	GetAccounts(ctx context.Context, accessToken string) ([]Account, error)
	GetAccountBalances(ctx context.Context, accessToken, accountID string) ([]Balance, error)
	GetTransactions(ctx context.Context, accessToken, accountID string, q TransactionsQuery) (*TransactionsResponse, error)
	RevokeConsent(ctx context.Context, consentRef string) error
	ValidateWebhookSignature(payload []byte, signature string) bool
	Health() HealthStatus
}
