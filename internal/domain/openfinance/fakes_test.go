package openfinance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/consent"
	"banklink/internal/domain/events"
	"banklink/internal/domain/transaction"
	ofclient "banklink/internal/infrastructure/openfinance"
)

type fakeClient struct {
	mu          sync.Mutex
	accounts    []ofclient.Account
	accountsErr error
	balances    map[string][]ofclient.Balance
	balancesErr map[string]error
	// pages maps remote account id -> cursor -> page
	pages    map[string]map[string]*ofclient.TransactionsResponse
	pagesErr map[string]error
	txCalls  map[string]int
	queries  []ofclient.TransactionsQuery
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		balances:    map[string][]ofclient.Balance{},
		balancesErr: map[string]error{},
		pages:       map[string]map[string]*ofclient.TransactionsResponse{},
		pagesErr:    map[string]error{},
		txCalls:     map[string]int{},
	}
}

func (f *fakeClient) GetAccounts(ctx context.Context, token string) ([]ofclient.Account, error) {
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	out := make([]ofclient.Account, len(f.accounts))
	copy(out, f.accounts)
	return out, nil
}

func (f *fakeClient) GetAccountBalances(ctx context.Context, token, accountID string) ([]ofclient.Balance, error) {
	if err := f.balancesErr[accountID]; err != nil {
		return nil, err
	}
	return f.balances[accountID], nil
}

func (f *fakeClient) GetTransactions(ctx context.Context, token, accountID string, q ofclient.TransactionsQuery) (*ofclient.TransactionsResponse, error) {
	f.mu.Lock()
	f.txCalls[accountID]++
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if err := f.pagesErr[accountID]; err != nil {
		return nil, err
	}
	page, ok := f.pages[accountID][q.Cursor]
	if !ok {
		return &ofclient.TransactionsResponse{}, nil
	}
	return page, nil
}

func (f *fakeClient) calls(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txCalls[accountID]
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) GetUsableToken(ctx context.Context, consentID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type memConsents struct {
	consents map[string]*consent.Consent
}

func (m *memConsents) GetByID(ctx context.Context, id string) (*consent.Consent, error) {
	c, ok := m.consents[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConsents) ListByUserID(ctx context.Context, userID int64) ([]*consent.Consent, error) {
	var out []*consent.Consent
	for _, c := range m.consents {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memConsents) ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error) {
	var out []*consent.Consent
	for _, c := range m.consents {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memConsents) MarkInitialSynced(ctx context.Context, id string, at time.Time) error {
	c, ok := m.consents[id]
	if !ok {
		return consent.ErrConsentNotFound
	}
	if c.InitialSyncedAt == nil {
		c.InitialSyncedAt = &at
	}
	return nil
}

type memAccounts struct {
	mu        sync.Mutex
	byKey     map[string]*account.ConnectedAccount
	byID      map[string]*account.ConnectedAccount
	snapshots []account.BalanceParams
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byKey: map[string]*account.ConnectedAccount{}, byID: map[string]*account.ConnectedAccount{}}
}

func (m *memAccounts) Upsert(ctx context.Context, p account.UpsertParams) (*account.ConnectedAccount, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d/%s", p.UserID, p.RemoteAccountID)
	a, ok := m.byKey[key]
	if !ok {
		a = &account.ConnectedAccount{ID: uuid.NewString(), UserID: p.UserID, RemoteAccountID: p.RemoteAccountID}
		m.byKey[key] = a
		m.byID[a.ID] = a
	}
	a.ConsentID = p.ConsentID
	a.Name = p.Name
	a.Currency = p.Currency
	a.Status = p.Status
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByID(ctx context.Context, id string) (*account.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) RecordBalance(ctx context.Context, p account.BalanceParams) (*account.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[p.AccountID]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	m.snapshots = append(m.snapshots, p)
	if a.AcceptsSnapshot(p.AsAt) {
		a.Balance = p.Current
		a.AvailableBalance = p.Available
		asAt := p.AsAt
		a.BalanceAsAt = &asAt
	}
	return &account.Balance{AccountID: p.AccountID, Current: p.Current, Available: p.Available, Currency: p.Currency}, nil
}

func (m *memAccounts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type memTransactions struct {
	mu      sync.Mutex
	rows    map[string]transaction.UpsertParams
	failFor string
}

func newMemTransactions() *memTransactions {
	return &memTransactions{rows: map[string]transaction.UpsertParams{}}
}

func (m *memTransactions) Upsert(ctx context.Context, p transaction.UpsertParams) (*transaction.Transaction, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	if m.failFor != "" && p.RemoteID == m.failFor {
		return nil, false, errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.AccountID + "/" + p.DedupKey()
	_, exists := m.rows[key]
	m.rows[key] = p
	return &transaction.Transaction{AccountID: p.AccountID, Amount: p.Amount}, !exists, nil
}

func (m *memTransactions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []audit.Action
}

func (f *fakeAudit) Record(ctx context.Context, userID int64, action audit.Action, details map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(ctx context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type fakeNotifier struct {
	failed []string
}

func (f *fakeNotifier) NotifySyncFailed(ctx context.Context, userID int64, consentID string) error {
	f.failed = append(f.failed, consentID)
	return nil
}
