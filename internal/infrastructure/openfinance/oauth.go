package openfinance

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// AuthorizeURL builds the static authorize URL used when the aggregator
// cannot create a consent session.
func (c *Client) AuthorizeURL(state, nonce string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// ExchangeCodeForToken trades an authorization code for a token pair.
// Not retried: authorization codes are single use.
func (c *Client) ExchangeCodeForToken(ctx context.Context, code string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, c.tokenError("exchangeCodeForToken", err)
	}
	c.health.markUp()
	return toTokenSet(tok), nil
}

// RefreshToken obtains a new access token. The returned RefreshToken is the
// previous one when the aggregator does not rotate it.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.tokenError("refreshToken", err)
	}
	c.health.markUp()

	set := toTokenSet(tok)
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

func toTokenSet(tok *oauth2.Token) *TokenSet {
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
}

func (c *Client) tokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status == http.StatusServiceUnavailable {
			c.health.markDown()
		}
		correlationID := retrieveErr.Response.Header.Get(correlationHeader)
		msg := retrieveErr.ErrorCode
		if retrieveErr.ErrorDescription != "" {
			msg += " - " + retrieveErr.ErrorDescription
		}
		c.logger.Warn("aggregator token request rejected",
			zap.String("op", op),
			zap.Int("status", status),
			zap.String("correlation_id", correlationID),
			zap.String("error_code", retrieveErr.ErrorCode),
		)
		return &UpstreamError{
			Op:            op,
			StatusCode:    status,
			CorrelationID: correlationID,
			Message:       msg,
			Retryable:     isRetryableStatus(status),
			Err:           err,
		}
	}

	if isConnectionError(err) {
		c.health.markDown()
		correlationID := c.newID()
		c.logger.Warn("aggregator token request failed",
			zap.String("op", op),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return &UpstreamError{Op: op, CorrelationID: correlationID, Retryable: true, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}
