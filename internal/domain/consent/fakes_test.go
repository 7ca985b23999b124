package consent

import (
	"context"
	"errors"
	"sync"
	"time"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/events"
	ofclient "banklink/internal/infrastructure/openfinance"
)

type memRepo struct {
	mu            sync.Mutex
	consents      map[string]*Consent
	transitionErr map[string]error
}

func newMemRepo() *memRepo {
	return &memRepo{consents: map[string]*Consent{}, transitionErr: map[string]error{}}
}

func (r *memRepo) Create(ctx context.Context, p CreateParams) (*Consent, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Consent{
		ID: p.ID, UserID: p.UserID, InstitutionID: p.InstitutionID, Status: StatusPending,
		Scopes: p.Scopes, ConsentRef: p.ConsentRef, State: p.State, Nonce: p.Nonce, ExpiresAt: p.ExpiresAt,
	}
	r.consents[c.ID] = c
	cp := *c
	return &cp, nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[id]
	if !ok {
		return nil, ErrConsentNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) FindByCorrelation(ctx context.Context, value string) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consents {
		if c.State == value || c.ConsentRef == value {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrConsentNotFound
}

func (r *memRepo) ListByUserID(ctx context.Context, userID int64) ([]*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Consent
	for _, c := range r.consents {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status Status) ([]*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Consent
	for _, c := range r.consents {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListExpirable(ctx context.Context, now time.Time) ([]*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Consent
	for _, c := range r.consents {
		if (c.Status == StatusActive || c.Status == StatusPending) && c.ExpiresAt.Before(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionErr[id]; err != nil {
		return nil, err
	}
	c, ok := r.consents[id]
	if !ok {
		return nil, ErrConsentNotFound
	}
	allowed := false
	for _, s := range from {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, ErrConsentStateConflict
	}
	c.Status = to
	c.UpdatedAt = at
	if to == StatusActive {
		c.GrantedAt = &at
	}
	if to == StatusRevoked {
		c.RevokedAt = &at
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) MarkInitialSynced(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[id]
	if !ok {
		return ErrConsentNotFound
	}
	if c.InitialSyncedAt == nil {
		c.InitialSyncedAt = &at
	}
	return nil
}

type memInstitutions struct {
	byCode    map[string]*Institution
	createErr error
	creates   int
}

func newMemInstitutions() *memInstitutions {
	return &memInstitutions{byCode: map[string]*Institution{}}
}

func (m *memInstitutions) FindByCode(ctx context.Context, code string) (*Institution, error) {
	if i, ok := m.byCode[code]; ok {
		return i, nil
	}
	return nil, ErrInstitutionNotFound
}

func (m *memInstitutions) Create(ctx context.Context, code, name, logoURL string) (*Institution, error) {
	m.creates++
	if m.createErr != nil {
		return nil, m.createErr
	}
	i := &Institution{ID: int64(len(m.byCode) + 1), Code: code, Name: name, LogoURL: logoURL}
	m.byCode[code] = i
	return i, nil
}

func (m *memInstitutions) GetByID(ctx context.Context, id int64) (*Institution, error) {
	for _, i := range m.byCode {
		if i.ID == id {
			return i, nil
		}
	}
	return nil, ErrInstitutionNotFound
}

type fakeAggregator struct {
	up                  bool
	institutionCalls    int
	exchangeCalls       int
	GetInstitutionsFunc func(ctx context.Context) ([]ofclient.Institution, error)
	CreateSessionFunc   func(ctx context.Context, req ofclient.ConsentSessionRequest) (*ofclient.ConsentSession, error)
	ExchangeFunc        func(ctx context.Context, code string) (*ofclient.TokenSet, error)
	RevokeFunc          func(ctx context.Context, consentRef string) error
}

func (f *fakeAggregator) GetInstitutions(ctx context.Context) ([]ofclient.Institution, error) {
	f.institutionCalls++
	if f.GetInstitutionsFunc != nil {
		return f.GetInstitutionsFunc(ctx)
	}
	return nil, nil
}

func (f *fakeAggregator) CreateConsentSession(ctx context.Context, req ofclient.ConsentSessionRequest) (*ofclient.ConsentSession, error) {
	if f.CreateSessionFunc != nil {
		return f.CreateSessionFunc(ctx, req)
	}
	return &ofclient.ConsentSession{ID: "sess-" + req.State, RedirectURL: "https://bank.example.com/auth?s=" + req.State}, nil
}

func (f *fakeAggregator) AuthorizeURL(state, nonce string) string {
	return "https://aggregator.example.com/oauth/authorize?state=" + state
}

func (f *fakeAggregator) ExchangeCodeForToken(ctx context.Context, code string) (*ofclient.TokenSet, error) {
	f.exchangeCalls++
	if f.ExchangeFunc != nil {
		return f.ExchangeFunc(ctx, code)
	}
	return &ofclient.TokenSet{AccessToken: "access-" + code, RefreshToken: "refresh-" + code}, nil
}

func (f *fakeAggregator) RevokeConsent(ctx context.Context, consentRef string) error {
	if f.RevokeFunc != nil {
		return f.RevokeFunc(ctx, consentRef)
	}
	return nil
}

func (f *fakeAggregator) Health() ofclient.HealthStatus {
	return ofclient.HealthStatus{Up: f.up}
}

type fakeTokens struct {
	stored  map[string]*ofclient.TokenSet
	deleted []string
}

func (f *fakeTokens) Store(ctx context.Context, consentID string, set *ofclient.TokenSet) error {
	if f.stored == nil {
		f.stored = map[string]*ofclient.TokenSet{}
	}
	f.stored[consentID] = set
	return nil
}

func (f *fakeTokens) Delete(ctx context.Context, consentID string) error {
	f.deleted = append(f.deleted, consentID)
	return nil
}

type fakeAccounts struct {
	byConsent   map[string][]*account.ConnectedAccount
	deactivated []string
}

func (f *fakeAccounts) ListByConsentID(ctx context.Context, consentID string) ([]*account.ConnectedAccount, error) {
	return f.byConsent[consentID], nil
}

func (f *fakeAccounts) SetStatusByConsent(ctx context.Context, consentID string, status account.Status) (int64, error) {
	if status != account.StatusInactive {
		return 0, errors.New("unexpected status")
	}
	f.deactivated = append(f.deactivated, consentID)
	return int64(len(f.byConsent[consentID])), nil
}

type fakeSyncer struct {
	queued []string
}

func (f *fakeSyncer) EnqueueInitialSync(ctx context.Context, c *Consent) error {
	f.queued = append(f.queued, c.ID)
	return nil
}

type auditCall struct {
	UserID  int64
	Action  audit.Action
	Details map[string]any
}

type fakeAudit struct {
	calls []auditCall
}

func (f *fakeAudit) Record(ctx context.Context, userID int64, action audit.Action, details map[string]any) error {
	f.calls = append(f.calls, auditCall{userID, action, details})
	return nil
}

func (f *fakeAudit) count(action audit.Action) int {
	n := 0
	for _, c := range f.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	events []events.Event
}

func (f *fakePublisher) Publish(ctx context.Context, e events.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyConsentExpired(ctx context.Context, userID int64, consentID string) error {
	f.notified = append(f.notified, consentID)
	return nil
}
