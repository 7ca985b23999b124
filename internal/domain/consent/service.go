package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/events"
	ofclient "banklink/internal/infrastructure/openfinance"
	"banklink/internal/shared/logger"
)

// Aggregator is the subset of the aggregator client used by consents
type Aggregator interface {
	GetInstitutions(ctx context.Context) ([]ofclient.Institution, error)
	CreateConsentSession(ctx context.Context, req ofclient.ConsentSessionRequest) (*ofclient.ConsentSession, error)
	AuthorizeURL(state, nonce string) string
	ExchangeCodeForToken(ctx context.Context, code string) (*ofclient.TokenSet, error)
	RevokeConsent(ctx context.Context, consentRef string) error
	Health() ofclient.HealthStatus
}

// TokenStore persists the consent's token pair
type TokenStore interface {
	Store(ctx context.Context, consentID string, set *ofclient.TokenSet) error
	Delete(ctx context.Context, consentID string) error
}

// AccountStore is the subset of account storage touched by consent changes
type AccountStore interface {
	ListByConsentID(ctx context.Context, consentID string) ([]*account.ConnectedAccount, error)
	SetStatusByConsent(ctx context.Context, consentID string, status account.Status) (int64, error)
}

// InitialSyncer queues the first full sync of a freshly activated consent
type InitialSyncer interface {
	EnqueueInitialSync(ctx context.Context, c *Consent) error
}

// AuditRecorder appends audit entries
type AuditRecorder interface {
	Record(ctx context.Context, userID int64, action audit.Action, details map[string]any) error
}

// ExpiryNotifier tells a user that one of their consents expired
type ExpiryNotifier interface {
	NotifyConsentExpired(ctx context.Context, userID int64, consentID string) error
}

// Config holds consent defaults
type Config struct {
	DefaultInstitution string
	Scopes             []string
}

// Details is a consent with its linked account summaries
type Details struct {
	*Consent
	Accounts []account.Summary `json:"accounts"`
}

// Service drives the consent lifecycle
type Service struct {
	repo         Repository
	institutions InstitutionRepository
	aggregator   Aggregator
	tokens       TokenStore
	accounts     AccountStore
	syncer       InitialSyncer
	audit        AuditRecorder
	publisher    events.Publisher
	notifier     ExpiryNotifier
	cfg          Config
	logger       *zap.Logger

	now   func() time.Time
	newID func() string
}

// Deps groups the collaborators of Service
type Deps struct {
	Repo         Repository
	Institutions InstitutionRepository
	Aggregator   Aggregator
	Tokens       TokenStore
	Accounts     AccountStore
	Syncer       InitialSyncer
	Audit        AuditRecorder
	Publisher    events.Publisher
	Notifier     ExpiryNotifier
	Logger       *zap.Logger
}

func NewService(deps Deps, cfg Config) *Service {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"accounts", "balances", "transactions"}
	}
	return &Service{
		repo:         deps.Repo,
		institutions: deps.Institutions,
		aggregator:   deps.Aggregator,
		tokens:       deps.Tokens,
		accounts:     deps.Accounts,
		syncer:       deps.Syncer,
		audit:        deps.Audit,
		publisher:    publisher,
		notifier:     deps.Notifier,
		cfg:          cfg,
		logger:       logger.OrNop(deps.Logger).Named("consent"),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// StartConsent creates a PENDING consent and returns where to send the user.
func (s *Service) StartConsent(ctx context.Context, params StartParams) (*StartResult, error) {
	if params.DurationDays < 1 || params.DurationDays > MaxDurationDays {
		return nil, ErrInvalidDuration
	}
	if params.UserID <= 0 {
		return nil, errors.New("valid user ID is required")
	}

	code := params.InstitutionCode
	if code == "" {
		code = s.cfg.DefaultInstitution
	}
	if code == "" {
		return nil, fmt.Errorf("%w: no institution code configured", ErrConfiguration)
	}

	inst, err := s.resolveInstitution(ctx, code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.AddDate(0, 0, params.DurationDays)
	state := s.newID()
	nonce := s.newID()

	consentRef := state
	redirectURL := ""
	session, err := s.aggregator.CreateConsentSession(ctx, ofclient.ConsentSessionRequest{
		InstitutionCode: inst.Code,
		Scopes:          s.cfg.Scopes,
		ExpiresAt:       expiresAt,
		State:           state,
		Nonce:           nonce,
	})
	switch {
	case err == nil:
		consentRef = session.ID
		redirectURL = session.RedirectURL
	case ofclient.IsAuthRejection(err):
		s.logger.Error("aggregator rejected client credentials", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	case errors.Is(err, ofclient.ErrTransientUpstream) && !s.aggregator.Health().Up:
		s.logger.Warn("aggregator unavailable, consent not started", zap.Int64("user_id", params.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	default:
		s.logger.Warn("consent session creation failed, using static authorize URL",
			zap.Int64("user_id", params.UserID),
			zap.Error(err),
		)
		redirectURL = s.aggregator.AuthorizeURL(state, nonce)
	}
	if consentRef == "" {
		consentRef = state
	}

	c, err := s.repo.Create(ctx, CreateParams{
		ID:            s.newID(),
		UserID:        params.UserID,
		InstitutionID: inst.ID,
		Scopes:        s.cfg.Scopes,
		ConsentRef:    consentRef,
		State:         state,
		Nonce:         nonce,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consent: %w", err)
	}

	_ = s.audit.Record(ctx, c.UserID, audit.ActionConsentStarted, map[string]any{
		"consentId":     c.ID,
		"institution":   inst.Code,
		"durationDays":  params.DurationDays,
		"sessionLinked": session != nil,
	})

	s.logger.Info("consent started",
		zap.String("consent_id", c.ID),
		zap.Int64("user_id", c.UserID),
		zap.String("institution", inst.Code),
	)

	return &StartResult{
		ConsentID:   c.ID,
		RedirectURL: redirectURL,
		State:       state,
		Nonce:       nonce,
	}, nil
}

// resolveInstitution finds the institution by code or creates it on first use.
func (s *Service) resolveInstitution(ctx context.Context, code string) (*Institution, error) {
	inst, err := s.institutions.FindByCode(ctx, code)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, ErrInstitutionNotFound) {
		return nil, fmt.Errorf("failed to look up institution: %w", err)
	}

	name, logo := code, ""
	if catalogue, err := s.aggregator.GetInstitutions(ctx); err != nil {
		s.logger.Warn("institution catalogue unavailable, using code as name", zap.String("code", code), zap.Error(err))
	} else {
		for _, i := range catalogue {
			if i.Code == code {
				name, logo = i.Name, i.LogoURL
				break
			}
		}
	}

	inst, err = s.institutions.Create(ctx, code, name, logo)
	if errors.Is(err, ErrInstitutionExists) {
		return s.institutions.FindByCode(ctx, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create institution: %w", err)
	}
	return inst, nil
}

// HandleCallback completes the authorization: it exchanges the code, stores
// the tokens, activates the matching PENDING consent and queues the initial
// sync. On any failure the consent stays PENDING.
func (s *Service) HandleCallback(ctx context.Context, params CallbackParams) (*Consent, error) {
	if params.State == "" {
		return nil, ErrInvalidCallback
	}

	c, err := s.repo.FindByCorrelation(ctx, params.State)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPending || s.now().After(c.ExpiresAt) {
		return nil, ErrConsentStateConflict
	}

	if params.Error != "" {
		_ = s.audit.Record(ctx, c.UserID, audit.ActionConsentCallbackFailed, map[string]any{
			"consentId": c.ID,
			"error":     params.Error,
		})
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, params.Error)
	}
	if params.Code == "" {
		return nil, ErrInvalidCallback
	}

	set, err := s.aggregator.ExchangeCodeForToken(ctx, params.Code)
	if err != nil {
		_ = s.audit.Record(ctx, c.UserID, audit.ActionConsentCallbackFailed, map[string]any{
			"consentId": c.ID,
			"error":     err.Error(),
		})
		if ofclient.IsAuthRejection(err) {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := s.tokens.Store(ctx, c.ID, set); err != nil {
		return nil, err
	}

	activated, err := s.repo.Transition(ctx, c.ID, []Status{StatusPending}, StatusActive, s.now())
	if err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, activated.UserID, audit.ActionConsentGranted, map[string]any{
		"consentId": activated.ID,
		"expiresAt": activated.ExpiresAt,
	})
	s.publishStatusChange(ctx, activated, StatusPending)

	if err := s.syncer.EnqueueInitialSync(ctx, activated); err != nil {
		s.logger.Error("failed to queue initial sync; the next scheduled run retries the backfill",
			zap.String("consent_id", activated.ID),
			zap.Error(err),
		)
	}

	s.logger.Info("consent activated",
		zap.String("consent_id", activated.ID),
		zap.Int64("user_id", activated.UserID),
	)
	return activated, nil
}

// Revoke revokes the consent remotely (best effort) and locally.
func (s *Service) Revoke(ctx context.Context, consentID string, userID int64) (*Consent, error) {
	c, err := s.Get(ctx, consentID, userID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, StatusRevoked) {
		return nil, ErrConsentStateConflict
	}

	if err := s.aggregator.RevokeConsent(ctx, c.ConsentRef); err != nil {
		s.logger.Warn("remote consent revocation failed; revoking locally",
			zap.String("consent_id", c.ID),
			zap.Error(err),
		)
	}

	revoked, err := s.repo.Transition(ctx, c.ID, []Status{StatusActive}, StatusRevoked, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Delete(ctx, c.ID); err != nil {
		s.logger.Error("failed to delete token of revoked consent", zap.String("consent_id", c.ID), zap.Error(err))
	}
	if n, err := s.accounts.SetStatusByConsent(ctx, c.ID, account.StatusInactive); err != nil {
		s.logger.Error("failed to deactivate accounts of revoked consent", zap.String("consent_id", c.ID), zap.Error(err))
	} else {
		s.logger.Info("accounts deactivated", zap.String("consent_id", c.ID), zap.Int64("count", n))
	}

	_ = s.audit.Record(ctx, userID, audit.ActionConsentRevoked, map[string]any{"consentId": c.ID})
	s.publishStatusChange(ctx, revoked, c.Status)

	return revoked, nil
}

// SweepExpired marks every ACTIVE or PENDING consent past its expiry as
// EXPIRED. A failure on one consent does not stop the others.
func (s *Service) SweepExpired(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	candidates, err := s.repo.ListExpirable(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable consents: %w", err)
	}

	result := &SweepResult{}
	for _, c := range candidates {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep interrupted: %v", ctx.Err()))
			break
		}

		expired, err := s.repo.Transition(ctx, c.ID, []Status{StatusActive, StatusPending}, StatusExpired, now)
		if err != nil {
			if errors.Is(err, ErrConsentStateConflict) {
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("consent %s: %v", c.ID, err))
			s.logger.Error("failed to expire consent", zap.String("consent_id", c.ID), zap.Error(err))
			continue
		}
		result.Expired++

		_ = s.audit.Record(ctx, c.UserID, audit.ActionConsentExpired, map[string]any{
			"consentId": c.ID,
			"from":      string(c.Status),
			"expiresAt": c.ExpiresAt,
		})
		s.publishStatusChange(ctx, expired, c.Status)

		if s.notifier != nil && c.Status == StatusActive {
			if err := s.notifier.NotifyConsentExpired(ctx, c.UserID, c.ID); err != nil {
				s.logger.Warn("failed to notify consent expiry", zap.String("consent_id", c.ID), zap.Error(err))
			}
		}
	}

	s.logger.Info("consent expiry sweep finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("expired", result.Expired),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// Get returns the consent if it belongs to userID.
func (s *Service) Get(ctx context.Context, consentID string, userID int64) (*Consent, error) {
	c, err := s.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrConsentNotFound
	}
	return c, nil
}

// GetDetails returns the consent with its linked account summaries.
func (s *Service) GetDetails(ctx context.Context, consentID string, userID int64) (*Details, error) {
	c, err := s.Get(ctx, consentID, userID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, c)
}

// List returns every consent of the user with account summaries.
func (s *Service) List(ctx context.Context, userID int64) ([]*Details, error) {
	consents, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Details, 0, len(consents))
	for _, c := range consents {
		d, err := s.details(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) details(ctx context.Context, c *Consent) (*Details, error) {
	accounts, err := s.accounts.ListByConsentID(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent accounts: %w", err)
	}
	summaries := make([]account.Summary, 0, len(accounts))
	for _, a := range accounts {
		summaries = append(summaries, a.Summary())
	}
	return &Details{Consent: c, Accounts: summaries}, nil
}

func (s *Service) publishStatusChange(ctx context.Context, c *Consent, from Status) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeConsentStatusChanged,
		Key:        c.ID,
		UserID:     c.UserID,
		OccurredAt: s.now(),
		Payload: events.ConsentStatusChanged{
			ConsentID: c.ID,
			From:      string(from),
			To:        string(c.Status),
		},
	})
	if err != nil {
		s.logger.Warn("failed to publish consent status change", zap.String("consent_id", c.ID), zap.Error(err))
	}
}
