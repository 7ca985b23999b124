package openfinance

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransientUpstream matches failures worth retrying: 429, 5xx and
	// connection-level errors.
	ErrTransientUpstream = errors.New("aggregator temporarily unavailable")
	// ErrPermanentRejection matches 4xx responses other than 429.
	ErrPermanentRejection = errors.New("aggregator rejected request")
	// ErrNoRefreshToken is returned when a refresh is requested without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// UpstreamError describes a failed aggregator call.
type UpstreamError struct {
	Op            string
	StatusCode    int // 0 for connection-level failures
	CorrelationID string
	Message       string
	Retryable     bool
	Err           error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: connection failure (correlation_id=%s): %v", e.Op, e.CorrelationID, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: API error (status %d, correlation_id=%s): %s", e.Op, e.StatusCode, e.CorrelationID, e.Message)
	}
	return fmt.Sprintf("%s: API request failed with status %d (correlation_id=%s)", e.Op, e.StatusCode, e.CorrelationID)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrTransientUpstream:
		return e.Retryable
	case ErrPermanentRejection:
		return !e.Retryable
	}
	return false
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode
	}
	return 0
}

// IsAuthRejection reports whether the aggregator refused our client credentials.
func IsAuthRejection(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
