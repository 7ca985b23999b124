package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/transaction"
	ofclient "banklink/internal/infrastructure/openfinance"
	"banklink/internal/shared/logger"
)

// SignatureVerifier checks the aggregator's signature over the raw body
type SignatureVerifier interface {
	ValidateWebhookSignature(payload []byte, signature string) bool
}

// AccountStore is the subset of account storage used by webhooks
type AccountStore interface {
	ListByRemoteID(ctx context.Context, remoteAccountID string) ([]*account.ConnectedAccount, error)
	RecordBalance(ctx context.Context, params account.BalanceParams) (*account.Balance, error)
	SetStatus(ctx context.Context, id string, status account.Status) error
}

// TransactionStore is the subset of transaction storage used by webhooks
type TransactionStore interface {
	ExistsByRemoteID(ctx context.Context, accountID, remoteID string) (bool, error)
	Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Transaction, bool, error)
}

// AuditRecorder appends audit entries
type AuditRecorder interface {
	Record(ctx context.Context, userID int64, action audit.Action, details map[string]any) error
}

type handlerFunc func(ctx context.Context, data json.RawMessage) error

// Ingestor verifies, stores and applies aggregator push notifications.
type Ingestor struct {
	verifier     SignatureVerifier
	repo         Repository
	accounts     AccountStore
	transactions TransactionStore
	audit        AuditRecorder
	logger       *zap.Logger
	handlers     map[EventType]handlerFunc
	now          func() time.Time
}

func NewIngestor(verifier SignatureVerifier, repo Repository, accounts AccountStore, transactions TransactionStore, recorder AuditRecorder, log *zap.Logger) *Ingestor {
	i := &Ingestor{
		verifier:     verifier,
		repo:         repo,
		accounts:     accounts,
		transactions: transactions,
		audit:        recorder,
		logger:       logger.OrNop(log).Named("webhook"),
		now:          time.Now,
	}
	i.handlers = map[EventType]handlerFunc{
		EventBalanceUpdated:      i.handleBalanceUpdated,
		EventTransactionCreated:  i.handleTransactionCreated,
		EventAccountConnected:    i.handleAccountConnected,
		EventAccountDisconnected: i.handleAccountDisconnected,
	}
	return i
}

// KnownEventTypes lists the event types that have a handler.
func KnownEventTypes() []EventType {
	return []EventType{EventBalanceUpdated, EventTransactionCreated, EventAccountConnected, EventAccountDisconnected}
}

// Ingest handles one inbound notification. Nothing is stored when the
// signature does not verify.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*Event, error) {
	if !i.verifier.ValidateWebhookSignature(payload, signature) {
		i.logger.Warn("rejected webhook with invalid signature", zap.Int("bytes", len(payload)))
		return nil, ErrSignatureInvalid
	}

	var env envelope
	parseErr := json.Unmarshal(payload, &env)
	eventType := env.EventType
	if parseErr != nil || eventType == "" {
		eventType = EventUnknown
	}

	ev, err := i.repo.Create(ctx, eventType, storedPayload(payload, parseErr), i.now())
	if err != nil {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}

	if parseErr != nil || env.EventType == "" {
		reason := "missing eventType"
		if parseErr != nil {
			reason = parseErr.Error()
		}
		if err := i.repo.MarkFailed(ctx, ev.ID, reason); err != nil {
			i.logger.Error("failed to mark webhook event failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
		return ev, fmt.Errorf("%w: %s", ErrInvalidPayload, reason)
	}

	if err := i.apply(ctx, ev, env); err != nil {
		return ev, err
	}
	return ev, nil
}

// Replay re-dispatches stored events that were never processed.
func (i *Ingestor) Replay(ctx context.Context, limit int) (*ReplayResult, error) {
	pending, err := i.repo.ListUnprocessed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}

	result := &ReplayResult{}
	for _, ev := range pending {
		if ctx.Err() != nil {
			break
		}
		var env envelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil || env.EventType == "" {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: malformed payload", ev.ID))
			continue
		}
		if err := i.apply(ctx, ev, env); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
			continue
		}
		result.Processed++
	}

	i.logger.Info("webhook replay finished",
		zap.Int("candidates", len(pending)),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (i *Ingestor) apply(ctx context.Context, ev *Event, env envelope) error {
	err := i.dispatch(ctx, env)
	if err != nil {
		i.logger.Error("webhook processing failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(env.EventType)),
			zap.Error(err),
		)
		if markErr := i.repo.MarkFailed(ctx, ev.ID, err.Error()); markErr != nil {
			i.logger.Error("failed to mark webhook event failed", zap.String("event_id", ev.ID), zap.Error(markErr))
		}
		return err
	}
	if err := i.repo.MarkProcessed(ctx, ev.ID, i.now()); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

func (i *Ingestor) dispatch(ctx context.Context, env envelope) error {
	handler, ok := i.handlers[env.EventType]
	if !ok {
		i.logger.Info("ignoring webhook with unknown event type", zap.String("event_type", string(env.EventType)))
		return nil
	}
	return handler(ctx, env.Data)
}

func (i *Ingestor) handleBalanceUpdated(ctx context.Context, raw json.RawMessage) error {
	var data balanceUpdatedData
	if err := json.Unmarshal(raw, &data); err != nil || data.AccountID == "" {
		return fmt.Errorf("%w: balance event needs accountId", ErrInvalidPayload)
	}
	if strings.TrimSpace(data.Balance) == "" {
		return fmt.Errorf("%w: balance event needs balance", ErrInvalidPayload)
	}

	snapshot := ofclient.Balance{
		AccountID:         data.AccountID,
		CurrentString:     data.Balance,
		AvailableString:   data.AvailableBalance,
		CreditLimitString: data.CreditLimit,
		Currency:          data.Currency,
		AsAt:              data.AsAt,
	}
	current, err := snapshot.GetCurrent()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	available, err := snapshot.GetAvailable()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if data.AvailableBalance == "" {
		available = current
	}
	limit, err := snapshot.GetCreditLimit()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	asAt, err := snapshot.GetAsAt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	accounts, err := i.accounts.ListByRemoteID(ctx, data.AccountID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		i.logger.Info("balance update for unlinked account ignored", zap.String("remote_account_id", data.AccountID))
		return nil
	}

	for _, acct := range accounts {
		currency := data.Currency
		if currency == "" {
			currency = acct.Currency
		}
		if _, err := i.accounts.RecordBalance(ctx, account.BalanceParams{
			AccountID:   acct.ID,
			AsAt:        asAt,
			Current:     current,
			Available:   available,
			CreditLimit: limit,
			Currency:    currency,
		}); err != nil {
			return fmt.Errorf("failed to record balance for account %s: %w", acct.ID, err)
		}
	}
	return nil
}

func (i *Ingestor) handleTransactionCreated(ctx context.Context, raw json.RawMessage) error {
	var data transactionCreatedData
	if err := json.Unmarshal(raw, &data); err != nil || data.AccountID == "" || len(data.Transaction) == 0 {
		return fmt.Errorf("%w: transaction event needs accountId and transaction", ErrInvalidPayload)
	}
	var remote ofclient.Transaction
	if err := json.Unmarshal(data.Transaction, &remote); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	accounts, err := i.accounts.ListByRemoteID(ctx, data.AccountID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, data.AccountID)
	}

	for _, acct := range accounts {
		if remote.ID != "" {
			exists, err := i.transactions.ExistsByRemoteID(ctx, acct.ID, remote.ID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
		}

		params, err := transaction.FromRemote(acct.ID, acct.UserID, acct.Currency, remote)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if _, _, err := i.transactions.Upsert(ctx, params); err != nil {
			return fmt.Errorf("failed to upsert transaction for account %s: %w", acct.ID, err)
		}
	}
	return nil
}

func (i *Ingestor) handleAccountConnected(ctx context.Context, raw json.RawMessage) error {
	var data accountEventData
	if err := json.Unmarshal(raw, &data); err != nil || data.AccountID == "" {
		return fmt.Errorf("%w: account event needs accountId", ErrInvalidPayload)
	}

	accounts, err := i.accounts.ListByRemoteID(ctx, data.AccountID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		i.logger.Info("account connected before first sync", zap.String("remote_account_id", data.AccountID))
		return nil
	}
	for _, acct := range accounts {
		_ = i.audit.Record(ctx, acct.UserID, audit.ActionAccountConnected, map[string]any{
			"accountId":       acct.ID,
			"remoteAccountId": data.AccountID,
			"consentRef":      data.ConsentRef,
		})
	}
	return nil
}

func (i *Ingestor) handleAccountDisconnected(ctx context.Context, raw json.RawMessage) error {
	var data accountEventData
	if err := json.Unmarshal(raw, &data); err != nil || data.AccountID == "" {
		return fmt.Errorf("%w: account event needs accountId", ErrInvalidPayload)
	}

	accounts, err := i.accounts.ListByRemoteID(ctx, data.AccountID)
	if err != nil {
		return err
	}
	var errs []error
	for _, acct := range accounts {
		if err := i.accounts.SetStatus(ctx, acct.ID, account.StatusInactive); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acct.ID, err))
			continue
		}
		_ = i.audit.Record(ctx, acct.UserID, audit.ActionAccountDisconnected, map[string]any{
			"accountId":       acct.ID,
			"remoteAccountId": data.AccountID,
		})
	}
	return errors.Join(errs...)
}

// storedPayload keeps the raw body verbatim when it is JSON; otherwise it
// wraps it as a JSON string so it can live in a jsonb column.
func storedPayload(payload []byte, parseErr error) json.RawMessage {
	if parseErr == nil {
		return json.RawMessage(payload)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(payload)})
	return wrapped
}
