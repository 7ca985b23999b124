package token

import (
	"errors"
	"time"
)

// RefreshWindow is how close to expiry a token is refreshed before use.
const RefreshWindow = 5 * time.Minute

var (
	ErrTokenNotFound      = errors.New("token not found")
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// Record is the stored credential pair of one consent. Both tokens are
// ciphertext; they are decrypted only by Manager at the point of use.
type Record struct {
	ConsentID             string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenType             string
	ExpiresAt             time.Time // zero when the aggregator gave no expiry
	UpdatedAt             time.Time
}

// needsRefresh reports whether the token expires within RefreshWindow of now.
func (r *Record) needsRefresh(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return r.ExpiresAt.Sub(now) < RefreshWindow
}
