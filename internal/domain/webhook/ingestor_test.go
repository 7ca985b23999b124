package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/transaction"
	ofclient "banklink/internal/infrastructure/openfinance"
)

const testSecret = "whsec"

type hmacVerifier struct{}

func (hmacVerifier) ValidateWebhookSignature(payload []byte, signature string) bool {
	return ofclient.VerifySignature(payload, signature, testSecret)
}

type memEvents struct {
	events []*Event
}

func (m *memEvents) Create(ctx context.Context, t EventType, payload json.RawMessage, at time.Time) (*Event, error) {
	ev := &Event{ID: fmt.Sprintf("ev-%d", len(m.events)+1), EventType: t, Payload: payload, ReceivedAt: at}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memEvents) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Processed = true
			ev.ProcessedAt = &at
			ev.LastError = nil
		}
	}
	return nil
}

func (m *memEvents) MarkFailed(ctx context.Context, id string, reason string) error {
	for _, ev := range m.events {
		if ev.ID == id {
			r := reason
			ev.LastError = &r
		}
	}
	return nil
}

func (m *memEvents) ListUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for _, ev := range m.events {
		if !ev.Processed {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memAccounts struct {
	byRemote map[string][]*account.ConnectedAccount
	balances []account.BalanceParams
	statuses map[string]account.Status
}

func (m *memAccounts) ListByRemoteID(ctx context.Context, remoteID string) ([]*account.ConnectedAccount, error) {
	return m.byRemote[remoteID], nil
}

func (m *memAccounts) RecordBalance(ctx context.Context, p account.BalanceParams) (*account.Balance, error) {
	m.balances = append(m.balances, p)
	return &account.Balance{AccountID: p.AccountID, Current: p.Current}, nil
}

func (m *memAccounts) SetStatus(ctx context.Context, id string, status account.Status) error {
	m.statuses[id] = status
	return nil
}

type memTransactions struct {
	rows map[string]transaction.UpsertParams
}

func (m *memTransactions) ExistsByRemoteID(ctx context.Context, accountID, remoteID string) (bool, error) {
	_, ok := m.rows[accountID+"/r:"+remoteID]
	return ok, nil
}

func (m *memTransactions) Upsert(ctx context.Context, p transaction.UpsertParams) (*transaction.Transaction, bool, error) {
	key := p.AccountID + "/" + p.DedupKey()
	_, existed := m.rows[key]
	m.rows[key] = p
	return &transaction.Transaction{AccountID: p.AccountID}, !existed, nil
}

type memAudit struct {
	actions []audit.Action
}

func (m *memAudit) Record(ctx context.Context, userID int64, action audit.Action, details map[string]any) error {
	m.actions = append(m.actions, action)
	return nil
}

type ingestHarness struct {
	ingestor     *Ingestor
	events       *memEvents
	accounts     *memAccounts
	transactions *memTransactions
	audit        *memAudit
}

func newIngestHarness(t *testing.T) *ingestHarness {
	h := &ingestHarness{
		events: &memEvents{},
		accounts: &memAccounts{
			byRemote: map[string][]*account.ConnectedAccount{
				"remote-1": {{ID: "acc-1", UserID: 7, RemoteAccountID: "remote-1", Currency: "GBP"}},
			},
			statuses: map[string]account.Status{},
		},
		transactions: &memTransactions{rows: map[string]transaction.UpsertParams{}},
		audit:        &memAudit{},
	}
	h.ingestor = NewIngestor(hmacVerifier{}, h.events, h.accounts, h.transactions, h.audit, zaptest.NewLogger(t))
	return h
}

func signed(body string) ([]byte, string) {
	return []byte(body), "sha256=" + ofclient.SignPayload([]byte(body), testSecret)
}

func TestIngest_InvalidSignatureHasNoSideEffects(t *testing.T) {
	h := newIngestHarness(t)
	body := []byte(`{"eventType":"account.disconnected","data":{"accountId":"remote-1"}}`)

	_, err := h.ingestor.Ingest(context.Background(), body, ofclient.SignPayload(body, "wrong"))

	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Empty(t, h.events.events)
	assert.Empty(t, h.accounts.statuses)
	assert.Empty(t, h.audit.actions)
}

func TestIngest_BalanceUpdated(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"account.balance.updated","data":{"accountId":"remote-1","balance":"250.10","availableBalance":"200.00","asAt":"2025-04-01T10:00:00Z"}}`)

	ev, err := h.ingestor.Ingest(context.Background(), body, sig)

	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.JSONEq(t, string(body), string(h.events.events[0].Payload))
	require.Len(t, h.accounts.balances, 1)
	b := h.accounts.balances[0]
	assert.Equal(t, "acc-1", b.AccountID)
	assert.Equal(t, "250.1", b.Current.String())
	assert.Equal(t, "200", b.Available.String())
	assert.Equal(t, "GBP", b.Currency)
	assert.Equal(t, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC), b.AsAt)
}

func TestIngest_BalanceUpdatedWithoutBalanceIsRejected(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"account.balance.updated","data":{"accountId":"remote-1","asAt":"2025-04-01T10:00:00Z"}}`)

	ev, err := h.ingestor.Ingest(context.Background(), body, sig)

	assert.ErrorIs(t, err, ErrInvalidPayload)
	require.NotNil(t, ev)
	assert.False(t, h.events.events[0].Processed)
	require.NotNil(t, h.events.events[0].LastError)
	assert.Empty(t, h.accounts.balances)
}

func TestIngest_TransactionCreatedIsIdempotent(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"transaction.created","data":{"accountId":"remote-1","transaction":{"id":"tx-1","description":"Coffee","amount":"-3.50","date":"2025-04-01","type":"DEBIT","status":"POSTED"}}}`)

	_, err := h.ingestor.Ingest(context.Background(), body, sig)
	require.NoError(t, err)
	_, err = h.ingestor.Ingest(context.Background(), body, sig)
	require.NoError(t, err)

	assert.Len(t, h.transactions.rows, 1)
	row := h.transactions.rows["acc-1/r:tx-1"]
	assert.Equal(t, int64(7), row.UserID)
	assert.Equal(t, "GBP", row.Currency)
	assert.Equal(t, transaction.TypeDebit, row.Type)
	assert.Len(t, h.events.events, 2)
}

func TestIngest_TransactionForUnknownAccountIsKeptForReplay(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"transaction.created","data":{"accountId":"remote-2","transaction":{"id":"tx-9","amount":"10","date":"2025-04-01"}}}`)

	ev, err := h.ingestor.Ingest(context.Background(), body, sig)

	assert.ErrorIs(t, err, ErrUnknownAccount)
	require.NotNil(t, ev)
	assert.False(t, h.events.events[0].Processed)
	require.NotNil(t, h.events.events[0].LastError)

	// Once the account is mirrored the stored event can be replayed.
	h.accounts.byRemote["remote-2"] = []*account.ConnectedAccount{{ID: "acc-2", UserID: 8, Currency: "EUR"}}
	res, err := h.ingestor.Replay(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Failed)
	assert.True(t, h.events.events[0].Processed)
	assert.Contains(t, h.transactions.rows, "acc-2/r:tx-9")
}

func TestIngest_AccountDisconnected(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"account.disconnected","data":{"accountId":"remote-1"}}`)

	_, err := h.ingestor.Ingest(context.Background(), body, sig)

	require.NoError(t, err)
	assert.Equal(t, account.StatusInactive, h.accounts.statuses["acc-1"])
	assert.Equal(t, []audit.Action{audit.ActionAccountDisconnected}, h.audit.actions)
}

func TestIngest_AccountConnected(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"account.connected","data":{"accountId":"remote-1","consentRef":"sess-1"}}`)

	_, err := h.ingestor.Ingest(context.Background(), body, sig)

	require.NoError(t, err)
	assert.Equal(t, []audit.Action{audit.ActionAccountConnected}, h.audit.actions)
	assert.Empty(t, h.accounts.statuses)
}

func TestIngest_UnknownEventTypeIsIgnored(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{"eventType":"statement.ready","data":{}}`)

	ev, err := h.ingestor.Ingest(context.Background(), body, sig)

	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, EventType("statement.ready"), ev.EventType)
	assert.Empty(t, h.audit.actions)
}

func TestIngest_MalformedPayloadIsStored(t *testing.T) {
	h := newIngestHarness(t)
	body, sig := signed(`{not json`)

	ev, err := h.ingestor.Ingest(context.Background(), body, sig)

	assert.ErrorIs(t, err, ErrInvalidPayload)
	require.NotNil(t, ev)
	assert.Equal(t, EventUnknown, ev.EventType)
	assert.JSONEq(t, `{"raw":"{not json"}`, string(h.events.events[0].Payload))
}

func TestHandlersCoverKnownEventTypes(t *testing.T) {
	h := newIngestHarness(t)
	for _, et := range KnownEventTypes() {
		assert.Contains(t, h.ingestor.handlers, et)
	}
	assert.Len(t, h.ingestor.handlers, len(KnownEventTypes()))
}
