package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"banklink/internal/shared/logger"
)

const (
	defaultTimeout      = 30 * time.Second
	correlationHeader   = "X-Correlation-ID"
	requestIDHeader     = "X-Request-ID"
	institutionsPath    = "/institutions"
	consentsPath        = "/consents"
	accountsPath        = "/accounts"
	maxErrorBodyInError = 512
)

var (
	aggregatorMeter          = otel.Meter("banklink/aggregator")
	aggregatorAttempts, _    = aggregatorMeter.Int64Counter("aggregator.request.attempts", metric.WithDescription("Aggregator request attempts by operation and outcome"))
	aggregatorRetries, _     = aggregatorMeter.Int64Counter("aggregator.request.retries", metric.WithDescription("Aggregator retries by operation"))
	aggregatorDuration, _    = aggregatorMeter.Float64Histogram("aggregator.request.duration", metric.WithDescription("Aggregator attempt duration in seconds"), metric.WithUnit("s"))
	aggregatorHealthGauge, _ = aggregatorMeter.Int64ObservableGauge("aggregator.sandbox.up", metric.WithDescription("1 when the last aggregator call succeeded, 0 after a 503 or connection failure"))
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	AuthURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	WebhookSecret string
	Scopes        []string
	Timeout       time.Duration
	Retry         RetryPolicy
	Health        *Health
	Logger        *zap.Logger
	HTTPClient    *http.Client
}

// Client handles communication with the aggregator API. Every call except
// token exchange/refresh goes through the retry wrapper in do.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	clientID      string
	clientSecret  string
	webhookSecret string
	oauth         *oauth2.Config
	retry         RetryPolicy
	health        *Health
	logger        *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(ceiling time.Duration) time.Duration
	newID  func() string
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}

	health := opts.Health
	if health == nil {
		health = NewHealth()
	}

	c := &Client{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		clientID:      opts.ClientID,
		clientSecret:  opts.ClientSecret,
		webhookSecret: opts.WebhookSecret,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  opts.AuthURL,
				TokenURL: opts.TokenURL,
			},
		},
		retry:  retry,
		health: health,
		logger: logger.OrNop(opts.Logger).Named("aggregator"),
		sleep:  sleepContext,
		jitter: fullJitter,
		newID:  uuid.NewString,
	}

	_, _ = aggregatorMeter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var up int64
		if health.IsUp() {
			up = 1
		}
		o.ObserveInt64(aggregatorHealthGauge, up)
		return nil
	}, aggregatorHealthGauge)

	return c
}

// Health exposes the shared sandbox-health flag.
func (c *Client) Health() HealthStatus {
	return c.health.Status()
}

// GetInstitutions lists the data sources the aggregator can connect to
func (c *Client) GetInstitutions(ctx context.Context) ([]Institution, error) {
	var resp InstitutionsResponse
	err := c.do(ctx, "getInstitutions", http.MethodGet, institutionsPath, nil, clientAuth(c), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CreateConsentSession asks the aggregator for a consent handle and redirect URL
func (c *Client) CreateConsentSession(ctx context.Context, req ConsentSessionRequest) (*ConsentSession, error) {
	if req.RedirectURI == "" {
		req.RedirectURI = c.oauth.RedirectURL
	}
	var session ConsentSession
	if err := c.do(ctx, "createConsentSession", http.MethodPost, consentsPath, req, clientAuth(c), &session); err != nil {
		return nil, err
	}
	if session.RedirectURL == "" {
		return nil, fmt.Errorf("createConsentSession: response missing redirectUrl")
	}
	return &session, nil
}

// GetAccounts fetches every account the consent grants access to
func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	var resp AccountsResponse
	if err := c.do(ctx, "getAccounts", http.MethodGet, accountsPath, nil, bearer(accessToken), &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetAccountBalances fetches the current balances of one remote account
func (c *Client) GetAccountBalances(ctx context.Context, accessToken, accountID string) ([]Balance, error) {
	path := accountsPath + "/" + url.PathEscape(accountID) + "/balances"
	var resp BalancesResponse
	if err := c.do(ctx, "getAccountBalances", http.MethodGet, path, nil, bearer(accessToken), &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetTransactions fetches one page of an account's transactions. The caller
// follows NextPage until it is empty.
func (c *Client) GetTransactions(ctx context.Context, accessToken, accountID string, q TransactionsQuery) (*TransactionsResponse, error) {
	params := url.Values{}
	if !q.From.IsZero() {
		params.Set("from", q.From.Format(dateLayout))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.Format(dateLayout))
	}
	if q.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}

	path := accountsPath + "/" + url.PathEscape(accountID) + "/transactions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp TransactionsResponse
	if err := c.do(ctx, "getTransactions", http.MethodGet, path, nil, bearer(accessToken), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeConsent revokes the consent on the aggregator side
func (c *Client) RevokeConsent(ctx context.Context, consentRef string) error {
	path := consentsPath + "/" + url.PathEscape(consentRef)
	return c.do(ctx, "revokeConsent", http.MethodDelete, path, nil, clientAuth(c), nil)
}

type authorizer func(req *http.Request)

func bearer(token string) authorizer {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func clientAuth(c *Client) authorizer {
	return func(req *http.Request) {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}
}

// do runs one logical call with retry, full-jitter backoff and health tracking.
func (c *Client) do(ctx context.Context, op, method, path string, body any, auth authorizer, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.jitter(c.retry.backoff(attempt - 1))
			aggregatorRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			if err := c.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: retry aborted after %d attempts: %w", op, attempt-1, lastErr)
			}
		}

		err := c.attempt(ctx, op, method, path, payload, auth, out, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var upErr *UpstreamError
		if !errors.As(err, &upErr) || !upErr.Retryable || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, op, method, path string, payload []byte, auth authorizer, out any, attempt int) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	localID := c.newID()
	req.Header.Set(correlationHeader, localID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	aggregatorDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("op", op)))

	if err != nil {
		upErr := &UpstreamError{Op: op, CorrelationID: localID, Err: err, Retryable: isConnectionError(err)}
		if upErr.Retryable {
			c.health.markDown()
		}
		c.recordAttempt(ctx, op, attempt, 0, localID, elapsed, "connection_error")
		c.logger.Warn("aggregator request failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.String("correlation_id", localID),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return upErr
	}
	defer resp.Body.Close()

	correlationID := resp.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = resp.Header.Get(requestIDHeader)
	}
	if correlationID == "" {
		correlationID = localID
	}

	respBody, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.health.markUp()
		c.recordAttempt(ctx, op, attempt, resp.StatusCode, correlationID, elapsed, "success")
		if readErr != nil {
			return &UpstreamError{Op: op, StatusCode: resp.StatusCode, CorrelationID: correlationID, Err: readErr, Retryable: true}
		}
		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%s: failed to unmarshal response (correlation_id=%s): %w", op, correlationID, err)
			}
		}
		return nil
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		c.health.markDown()
	}

	upErr := &UpstreamError{
		Op:            op,
		StatusCode:    resp.StatusCode,
		CorrelationID: correlationID,
		Message:       errorMessage(respBody),
		Retryable:     isRetryableStatus(resp.StatusCode),
	}
	outcome := "rejected"
	if upErr.Retryable {
		outcome = "retryable"
	}
	c.recordAttempt(ctx, op, attempt, resp.StatusCode, correlationID, elapsed, outcome)
	return upErr
}

func (c *Client) recordAttempt(ctx context.Context, op string, attempt, status int, correlationID string, elapsed time.Duration, outcome string) {
	aggregatorAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	if outcome == "connection_error" {
		return
	}
	c.logger.Debug("aggregator request",
		zap.String("op", op),
		zap.Int("attempt", attempt),
		zap.Int("status", status),
		zap.String("correlation_id", correlationID),
		zap.Duration("duration", elapsed),
		zap.String("outcome", outcome),
	)
}

func errorMessage(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Error != "" || errResp.Message != "") {
		if errResp.Message == "" {
			return errResp.Error
		}
		if errResp.Error == "" {
			return errResp.Message
		}
		return errResp.Error + " - " + errResp.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyInError {
		msg = msg[:maxErrorBodyInError]
	}
	return msg
}
