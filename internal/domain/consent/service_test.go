package consent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/events"
	ofclient "banklink/internal/infrastructure/openfinance"
)

var testNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc          *Service
	repo         *memRepo
	institutions *memInstitutions
	aggregator   *fakeAggregator
	tokens       *fakeTokens
	accounts     *fakeAccounts
	syncer       *fakeSyncer
	audit        *fakeAudit
	publisher    *fakePublisher
	notifier     *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:         newMemRepo(),
		institutions: newMemInstitutions(),
		aggregator:   &fakeAggregator{up: true},
		tokens:       &fakeTokens{},
		accounts:     &fakeAccounts{byConsent: map[string][]*account.ConnectedAccount{}},
		syncer:       &fakeSyncer{},
		audit:        &fakeAudit{},
		publisher:    &fakePublisher{},
		notifier:     &fakeNotifier{},
	}
	h.svc = NewService(Deps{
		Repo:         h.repo,
		Institutions: h.institutions,
		Aggregator:   h.aggregator,
		Tokens:       h.tokens,
		Accounts:     h.accounts,
		Syncer:       h.syncer,
		Audit:        h.audit,
		Publisher:    h.publisher,
		Notifier:     h.notifier,
		Logger:       zaptest.NewLogger(t),
	}, Config{DefaultInstitution: "sandbox-bank"})

	seq := 0
	h.svc.now = func() time.Time { return testNow }
	h.svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return h
}

func (h *harness) start(t *testing.T, userID int64) (*StartResult, *Consent) {
	t.Helper()
	res, err := h.svc.StartConsent(context.Background(), StartParams{UserID: userID, DurationDays: 180})
	require.NoError(t, err)
	c, err := h.repo.GetByID(context.Background(), res.ConsentID)
	require.NoError(t, err)
	return res, c
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusRevoked, false},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusPending, false},
		{StatusRevoked, StatusActive, false},
		{StatusExpired, StatusActive, false},
		{StatusExpired, StatusRevoked, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusRevoked.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
}

func TestStartConsent_NewInstitution(t *testing.T) {
	h := newHarness(t)
	h.aggregator.GetInstitutionsFunc = func(ctx context.Context) ([]ofclient.Institution, error) {
		return []ofclient.Institution{{Code: "sandbox-bank", Name: "Sandbox Bank", LogoURL: "https://logo"}}, nil
	}

	res, c := h.start(t, 1)

	assert.Len(t, h.institutions.byCode, 1)
	assert.Equal(t, "Sandbox Bank", h.institutions.byCode["sandbox-bank"].Name)
	assert.Len(t, h.repo.consents, 1)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, testNow.AddDate(0, 0, 180), c.ExpiresAt)
	assert.Equal(t, "sess-"+res.State, c.ConsentRef)
	assert.Equal(t, res.State, c.State)
	assert.Equal(t, res.Nonce, c.Nonce)
	assert.NotEqual(t, res.State, res.Nonce)
	assert.Contains(t, res.RedirectURL, "bank.example.com")
	assert.Equal(t, []string{"accounts", "balances", "transactions"}, c.Scopes)
	assert.Equal(t, 1, h.audit.count(audit.ActionConsentStarted))
}

func TestStartConsent_ReusesInstitution(t *testing.T) {
	h := newHarness(t)
	h.institutions.byCode["sandbox-bank"] = &Institution{ID: 9, Code: "sandbox-bank", Name: "Sandbox"}

	_, c := h.start(t, 1)

	assert.Equal(t, int64(9), c.InstitutionID)
	assert.Zero(t, h.aggregator.institutionCalls)
	assert.Zero(t, h.institutions.creates)
}

func TestStartConsent_InstitutionCatalogueDown(t *testing.T) {
	h := newHarness(t)
	h.aggregator.GetInstitutionsFunc = func(ctx context.Context) ([]ofclient.Institution, error) {
		return nil, errors.New("boom")
	}

	h.start(t, 1)

	assert.Equal(t, "sandbox-bank", h.institutions.byCode["sandbox-bank"].Name)
}

func TestStartConsent_InstitutionCreateRace(t *testing.T) {
	h := newHarness(t)
	h.institutions.createErr = ErrInstitutionExists
	winner := &Institution{ID: 5, Code: "sandbox-bank"}
	h.institutions.byCode = map[string]*Institution{}
	h.aggregator.GetInstitutionsFunc = func(ctx context.Context) ([]ofclient.Institution, error) {
		h.institutions.byCode["sandbox-bank"] = winner
		return nil, nil
	}

	_, c := h.start(t, 1)

	assert.Equal(t, int64(5), c.InstitutionID)
}

func TestStartConsent_InvalidDuration(t *testing.T) {
	h := newHarness(t)
	for _, days := range []int{0, -1, 366} {
		_, err := h.svc.StartConsent(context.Background(), StartParams{UserID: 1, DurationDays: days})
		assert.ErrorIs(t, err, ErrInvalidDuration)
		assert.ErrorIs(t, err, ErrConfiguration)
	}
	assert.Empty(t, h.repo.consents)

	_, err := h.svc.StartConsent(context.Background(), StartParams{UserID: 1, DurationDays: 365})
	assert.NoError(t, err)
}

func TestStartConsent_FallsBackToStaticURL(t *testing.T) {
	h := newHarness(t)
	h.aggregator.CreateSessionFunc = func(ctx context.Context, req ofclient.ConsentSessionRequest) (*ofclient.ConsentSession, error) {
		return nil, &ofclient.UpstreamError{Op: "createConsentSession", StatusCode: http.StatusInternalServerError, Retryable: true}
	}

	res, c := h.start(t, 1)

	assert.Equal(t, res.State, c.ConsentRef)
	assert.Equal(t, "https://aggregator.example.com/oauth/authorize?state="+res.State, res.RedirectURL)
}

func TestStartConsent_UpstreamConfirmedDown(t *testing.T) {
	h := newHarness(t)
	h.aggregator.up = false
	h.aggregator.CreateSessionFunc = func(ctx context.Context, req ofclient.ConsentSessionRequest) (*ofclient.ConsentSession, error) {
		return nil, &ofclient.UpstreamError{Op: "createConsentSession", StatusCode: http.StatusServiceUnavailable, Retryable: true}
	}

	_, err := h.svc.StartConsent(context.Background(), StartParams{UserID: 1, DurationDays: 30})

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, h.repo.consents)
}

func TestStartConsent_CredentialsRejected(t *testing.T) {
	h := newHarness(t)
	h.aggregator.CreateSessionFunc = func(ctx context.Context, req ofclient.ConsentSessionRequest) (*ofclient.ConsentSession, error) {
		return nil, &ofclient.UpstreamError{Op: "createConsentSession", StatusCode: http.StatusUnauthorized}
	}

	_, err := h.svc.StartConsent(context.Background(), StartParams{UserID: 1, DurationDays: 30})

	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, h.repo.consents)
}

func TestHandleCallback_Activates(t *testing.T) {
	h := newHarness(t)
	res, _ := h.start(t, 1)

	c, err := h.svc.HandleCallback(context.Background(), CallbackParams{Code: "abc", State: res.State})

	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, "access-abc", h.tokens.stored[c.ID].AccessToken)
	assert.Equal(t, []string{c.ID}, h.syncer.queued)
	assert.Equal(t, 1, h.audit.count(audit.ActionConsentGranted))
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.TypeConsentStatusChanged, h.publisher.events[0].Type)

	// A replayed callback must not activate twice.
	_, err = h.svc.HandleCallback(context.Background(), CallbackParams{Code: "abc", State: res.State})
	assert.ErrorIs(t, err, ErrConsentStateConflict)
	assert.Equal(t, 1, h.aggregator.exchangeCalls)
	assert.Len(t, h.syncer.queued, 1)
}

func TestHandleCallback_ScopedToState(t *testing.T) {
	h := newHarness(t)
	_, first := h.start(t, 1)
	res2, second := h.start(t, 2)

	c, err := h.svc.HandleCallback(context.Background(), CallbackParams{Code: "xyz", State: res2.State})

	require.NoError(t, err)
	assert.Equal(t, second.ID, c.ID)
	assert.Equal(t, int64(2), c.UserID)

	untouched, err := h.repo.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, untouched.Status)
}

func TestHandleCallback_UnknownState(t *testing.T) {
	h := newHarness(t)
	h.start(t, 1)

	_, err := h.svc.HandleCallback(context.Background(), CallbackParams{Code: "abc", State: "forged"})

	assert.ErrorIs(t, err, ErrConsentNotFound)
	assert.Zero(t, h.aggregator.exchangeCalls)
}

func TestHandleCallback_ExchangeFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	res, c := h.start(t, 1)
	h.aggregator.ExchangeFunc = func(ctx context.Context, code string) (*ofclient.TokenSet, error) {
		return nil, &ofclient.UpstreamError{Op: "exchangeCodeForToken", StatusCode: http.StatusBadRequest}
	}

	_, err := h.svc.HandleCallback(context.Background(), CallbackParams{Code: "abc", State: res.State})

	require.Error(t, err)
	stored, _ := h.repo.GetByID(context.Background(), c.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Empty(t, h.tokens.stored)
	assert.Empty(t, h.syncer.queued)
	assert.Equal(t, 1, h.audit.count(audit.ActionConsentCallbackFailed))
}

func TestHandleCallback_DeniedAtBank(t *testing.T) {
	h := newHarness(t)
	res, c := h.start(t, 1)

	_, err := h.svc.HandleCallback(context.Background(), CallbackParams{State: res.State, Error: "access_denied"})

	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	stored, _ := h.repo.GetByID(context.Background(), c.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Zero(t, h.aggregator.exchangeCalls)
}

func TestHandleCallback_ExpiredPending(t *testing.T) {
	h := newHarness(t)
	res, _ := h.start(t, 1)
	h.svc.now = func() time.Time { return testNow.AddDate(0, 0, 181) }

	_, err := h.svc.HandleCallback(context.Background(), CallbackParams{Code: "abc", State: res.State})

	assert.ErrorIs(t, err, ErrConsentStateConflict)
}

func activate(t *testing.T, h *harness, userID int64) *Consent {
	t.Helper()
	res, _ := h.start(t, userID)
	c, err := h.svc.HandleCallback(context.Background(), CallbackParams{Code: "abc", State: res.State})
	require.NoError(t, err)
	return c
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	c := activate(t, h, 1)
	h.accounts.byConsent[c.ID] = []*account.ConnectedAccount{{ID: "a-1"}, {ID: "a-2"}}
	h.aggregator.RevokeFunc = func(ctx context.Context, consentRef string) error {
		return errors.New("sandbox down")
	}

	revoked, err := h.svc.Revoke(context.Background(), c.ID, 1)

	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, []string{c.ID}, h.tokens.deleted)
	assert.Equal(t, []string{c.ID}, h.accounts.deactivated)
	assert.Equal(t, 1, h.audit.count(audit.ActionConsentRevoked))

	_, err = h.svc.Revoke(context.Background(), c.ID, 1)
	assert.ErrorIs(t, err, ErrConsentStateConflict)
}

func TestRevoke_OtherUser(t *testing.T) {
	h := newHarness(t)
	c := activate(t, h, 1)

	_, err := h.svc.Revoke(context.Background(), c.ID, 2)

	assert.ErrorIs(t, err, ErrConsentNotFound)
	stored, _ := h.repo.GetByID(context.Background(), c.ID)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestSweepExpired_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	active := activate(t, h, 1)
	_, pending := h.start(t, 2)
	broken := activate(t, h, 3)
	fresh := activate(t, h, 4)
	h.repo.consents[fresh.ID].ExpiresAt = testNow.AddDate(1, 0, 0)
	h.repo.transitionErr[broken.ID] = errors.New("deadlock detected")

	h.svc.now = func() time.Time { return testNow.AddDate(0, 0, 200) }
	res, err := h.svc.SweepExpired(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], broken.ID)

	for id, want := range map[string]Status{
		active.ID:  StatusExpired,
		pending.ID: StatusExpired,
		broken.ID:  StatusActive,
		fresh.ID:   StatusActive,
	} {
		c, _ := h.repo.GetByID(context.Background(), id)
		assert.Equal(t, want, c.Status, id)
	}
	assert.Equal(t, 2, h.audit.count(audit.ActionConsentExpired))
	assert.Equal(t, []string{active.ID}, h.notifier.notified)
}

func TestGetDetails(t *testing.T) {
	h := newHarness(t)
	c := activate(t, h, 1)
	h.accounts.byConsent[c.ID] = []*account.ConnectedAccount{{ID: "a-1", RemoteAccountID: "r-1", Status: account.StatusActive}}

	d, err := h.svc.GetDetails(context.Background(), c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, c.ID, d.ID)
	require.Len(t, d.Accounts, 1)
	assert.Equal(t, "r-1", d.Accounts[0].RemoteAccountID)

	_, err = h.svc.GetDetails(context.Background(), c.ID, 99)
	assert.ErrorIs(t, err, ErrConsentNotFound)

	list, err := h.svc.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
