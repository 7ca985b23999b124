package openfinance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/consent"
	"banklink/internal/domain/events"
	"banklink/internal/domain/transaction"
	ofclient "banklink/internal/infrastructure/openfinance"
	"banklink/internal/shared/logger"
)

// maxPages stops a sync from following an aggregator that never ends pagination.
const maxPages = 1000

// Client is the subset of the aggregator client used for syncing
type Client interface {
	GetAccounts(ctx context.Context, accessToken string) ([]ofclient.Account, error)
	GetAccountBalances(ctx context.Context, accessToken, accountID string) ([]ofclient.Balance, error)
	GetTransactions(ctx context.Context, accessToken, accountID string, q ofclient.TransactionsQuery) (*ofclient.TransactionsResponse, error)
}

// TokenProvider returns a token usable for the next aggregator call
type TokenProvider interface {
	GetUsableToken(ctx context.Context, consentID string) (string, error)
}

// ConsentStore is the read side of consent storage
type ConsentStore interface {
	GetByID(ctx context.Context, id string) (*consent.Consent, error)
	ListByUserID(ctx context.Context, userID int64) ([]*consent.Consent, error)
	ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error)
	MarkInitialSynced(ctx context.Context, id string, at time.Time) error
}

// AccountStore is the subset of account storage written by a sync
type AccountStore interface {
	Upsert(ctx context.Context, params account.UpsertParams) (*account.ConnectedAccount, error)
	GetByID(ctx context.Context, id string) (*account.ConnectedAccount, error)
	RecordBalance(ctx context.Context, params account.BalanceParams) (*account.Balance, error)
}

// TransactionStore upserts transactions by dedup key
type TransactionStore interface {
	Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Transaction, bool, error)
}

// AuditRecorder appends audit entries
type AuditRecorder interface {
	Record(ctx context.Context, userID int64, action audit.Action, details map[string]any) error
}

// FailureNotifier tells the user a first sync did not complete
type FailureNotifier interface {
	NotifySyncFailed(ctx context.Context, userID int64, consentID string) error
}

// Deps groups the collaborators of Orchestrator
type Deps struct {
	Client       Client
	Tokens       TokenProvider
	Consents     ConsentStore
	Accounts     AccountStore
	Transactions TransactionStore
	Audit        AuditRecorder
	Publisher    events.Publisher
	Locker       Locker
	Notifier     FailureNotifier
	Logger       *zap.Logger
}

// Orchestrator pulls accounts, balances and transactions for a consent
// and mirrors them into local storage.
type Orchestrator struct {
	client       Client
	tokens       TokenProvider
	consents     ConsentStore
	accounts     AccountStore
	transactions TransactionStore
	audit        AuditRecorder
	publisher    events.Publisher
	locker       Locker
	notifier     FailureNotifier
	cfg          Config
	logger       *zap.Logger

	now func() time.Time
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = def.InitialWindow
	}
	if cfg.IncrementalWindow <= 0 {
		cfg.IncrementalWindow = def.IncrementalWindow
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.AccountConcurrency <= 0 {
		cfg.AccountConcurrency = def.AccountConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}

	return &Orchestrator{
		client:       deps.Client,
		tokens:       deps.Tokens,
		consents:     deps.Consents,
		accounts:     deps.Accounts,
		transactions: deps.Transactions,
		audit:        deps.Audit,
		publisher:    publisher,
		locker:       locker,
		notifier:     deps.Notifier,
		cfg:          cfg,
		logger:       logger.OrNop(deps.Logger).Named("sync"),
		now:          time.Now,
	}
}

// InitialSync runs the first sync of a freshly granted consent over the
// initial window.
func (o *Orchestrator) InitialSync(ctx context.Context, consentID string) (*SyncResult, error) {
	return o.run(ctx, consentID, ModeInitial, "")
}

// IncrementalSync refreshes a consent over the incremental window.
func (o *Orchestrator) IncrementalSync(ctx context.Context, consentID string) (*SyncResult, error) {
	return o.run(ctx, consentID, ModeIncremental, "")
}

// SyncAccount refreshes a single account owned by userID.
func (o *Orchestrator) SyncAccount(ctx context.Context, userID int64, accountID string) (*SyncResult, error) {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, account.ErrAccountNotFound
	}
	return o.run(ctx, acct.ConsentID, ModeIncremental, acct.RemoteAccountID)
}

// SyncUser runs an incremental sync for every ACTIVE consent of the user.
// A failing consent does not stop the others.
func (o *Orchestrator) SyncUser(ctx context.Context, userID int64) (*UserSyncResult, error) {
	consents, err := o.consents.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}

	out := &UserSyncResult{UserID: userID, Results: []*SyncResult{}, Errors: []string{}}
	for _, c := range consents {
		if c.Status != consent.StatusActive {
			continue
		}
		result, err := o.IncrementalSync(ctx, c.ID)
		if result != nil {
			out.Results = append(out.Results, result)
			if !result.Success && err == nil {
				out.Errors = append(out.Errors, fmt.Sprintf("consent %s: completed with %d error(s)", c.ID, len(result.Errors)))
			}
		}
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("consent %s: %v", c.ID, err))
		}
	}
	out.Success = len(out.Errors) == 0
	return out, nil
}

// ActiveConsents lists the consents the periodic sync should visit.
func (o *Orchestrator) ActiveConsents(ctx context.Context) ([]*consent.Consent, error) {
	return o.consents.ListByStatus(ctx, consent.StatusActive)
}

func (o *Orchestrator) run(ctx context.Context, consentID string, mode Mode, onlyRemoteID string) (*SyncResult, error) {
	c, err := o.consents.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.Status != consent.StatusActive {
		return nil, fmt.Errorf("%w: consent %s is %s", ErrConsentNotActive, c.ID, c.Status)
	}

	release, err := o.locker.Acquire(ctx, lockKey(c.ID), o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrSyncInProgress
		}
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("failed to release sync lock", zap.String("consent_id", c.ID), zap.Error(err))
		}
	}()

	result := &SyncResult{
		ConsentID: c.ID,
		UserID:    c.UserID,
		Mode:      mode,
		Errors:    []string{},
		StartedAt: o.now(),
	}
	o.logger.Info("sync started",
		zap.String("consent_id", c.ID),
		zap.Int64("user_id", c.UserID),
		zap.String("mode", string(mode)))
	o.record(ctx, c.UserID, audit.ActionSyncStarted, map[string]any{
		"consentId": c.ID,
		"mode":      mode,
	})

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	runErr := o.execute(runCtx, c, mode, onlyRemoteID, result)
	o.finish(ctx, c, result, runErr)
	return result, runErr
}

// lockKey is namespaced by the Locker implementation.
func lockKey(consentID string) string {
	return "consent:" + consentID
}

type accountOutcome struct {
	name         string
	synced       bool
	balances     int
	transactions int
	err          error
}

func (o *Orchestrator) execute(ctx context.Context, c *consent.Consent, mode Mode, onlyRemoteID string, result *SyncResult) error {
	token, err := o.tokens.GetUsableToken(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}

	remote, err := o.client.GetAccounts(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to fetch accounts: %w", err)
	}
	if onlyRemoteID != "" {
		filtered := remote[:0]
		for _, ra := range remote {
			if ra.ID == onlyRemoteID {
				filtered = append(filtered, ra)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("%w: remote account %s no longer listed", account.ErrAccountNotFound, onlyRemoteID)
		}
		remote = filtered
	}

	to := o.now()
	from := to.Add(-o.cfg.window(mode))

	outcomes := make([]accountOutcome, len(remote))
	var g errgroup.Group
	g.SetLimit(o.cfg.AccountConcurrency)
	for i, ra := range remote {
		g.Go(func() error {
			outcomes[i] = o.syncAccount(ctx, c, token, ra, from, to)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.synced {
			result.AccountsSynced++
		}
		result.BalancesSynced += out.balances
		result.TransactionsSynced += out.transactions
		if out.err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("account %s: %v", out.name, out.err))
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Errors = append(result.Errors, "sync incomplete: run timed out, retry later")
	}
	return nil
}

func (o *Orchestrator) syncAccount(ctx context.Context, c *consent.Consent, token string, ra ofclient.Account, from, to time.Time) accountOutcome {
	out := accountOutcome{name: ra.ID}
	if ra.Name != "" {
		out.name = ra.Name
	}

	acct, err := o.accounts.Upsert(ctx, account.UpsertParams{
		UserID:          c.UserID,
		ConsentID:       c.ID,
		RemoteAccountID: ra.ID,
		Name:            ra.Name,
		Type:            ra.Type,
		InstitutionName: ra.InstitutionName,
		MaskedNumber:    ra.MaskedNumber,
		Currency:        ra.Currency,
		Status:          account.StatusFromRemote(ra.Status),
		SyncedAt:        o.now(),
	})
	if err != nil {
		out.err = fmt.Errorf("failed to save account: %w", err)
		return out
	}
	out.synced = true

	var errs []error
	n, err := o.syncBalances(ctx, acct, token, ra.ID)
	out.balances = n
	if err != nil {
		errs = append(errs, fmt.Errorf("balances: %w", err))
	}

	m, err := o.syncTransactions(ctx, acct, token, ra.ID, from, to)
	out.transactions = m
	if err != nil {
		errs = append(errs, fmt.Errorf("transactions: %w", err))
	}

	out.err = errors.Join(errs...)
	if out.err != nil {
		o.logger.Warn("account sync incomplete",
			zap.String("consent_id", c.ID),
			zap.String("account_id", acct.ID),
			zap.Error(out.err))
	}
	return out
}

func (o *Orchestrator) syncBalances(ctx context.Context, acct *account.ConnectedAccount, token, remoteID string) (int, error) {
	balances, err := o.client.GetAccountBalances(ctx, token, remoteID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, b := range balances {
		current, err := b.GetCurrent()
		if err != nil {
			return count, err
		}
		available, err := b.GetAvailable()
		if err != nil {
			return count, err
		}
		creditLimit, err := b.GetCreditLimit()
		if err != nil {
			return count, err
		}
		asAt, err := b.GetAsAt()
		if err != nil {
			return count, err
		}
		currency := b.Currency
		if currency == "" {
			currency = acct.Currency
		}

		if _, err := o.accounts.RecordBalance(ctx, account.BalanceParams{
			AccountID:   acct.ID,
			AsAt:        asAt,
			Current:     current,
			Available:   available,
			CreditLimit: creditLimit,
			Currency:    currency,
		}); err != nil {
			return count, fmt.Errorf("failed to record balance: %w", err)
		}
		count++
	}
	return count, nil
}

// syncTransactions follows the cursor until the aggregator stops returning
// one. Each transaction is upserted on its own so earlier records survive a
// later failure.
func (o *Orchestrator) syncTransactions(ctx context.Context, acct *account.ConnectedAccount, token, remoteID string, from, to time.Time) (int, error) {
	count := 0
	cursor := ""
	seen := map[string]bool{}

	for page := 1; ; page++ {
		if page > maxPages {
			return count, fmt.Errorf("pagination exceeded %d pages", maxPages)
		}

		resp, err := o.client.GetTransactions(ctx, token, remoteID, ofclient.TransactionsQuery{
			From:     from,
			To:       to,
			PageSize: o.cfg.PageSize,
			Cursor:   cursor,
		})
		if err != nil {
			return count, fmt.Errorf("page %d: %w", page, err)
		}

		for _, tx := range resp.Data {
			params, err := transaction.FromRemote(acct.ID, acct.UserID, acct.Currency, tx)
			if err != nil {
				return count, fmt.Errorf("transaction %s: %w", tx.ID, err)
			}
			if _, _, err := o.transactions.Upsert(ctx, params); err != nil {
				return count, fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
			}
			count++
		}

		if resp.NextPage == "" {
			return count, nil
		}
		if seen[resp.NextPage] {
			return count, fmt.Errorf("pagination cursor %q repeated", resp.NextPage)
		}
		seen[resp.NextPage] = true
		cursor = resp.NextPage
	}
}

func (o *Orchestrator) finish(ctx context.Context, c *consent.Consent, result *SyncResult, runErr error) {
	ctx = context.WithoutCancel(ctx)
	result.FinishedAt = o.now()
	if runErr != nil {
		result.Errors = append(result.Errors, runErr.Error())
	}
	result.Success = runErr == nil && len(result.Errors) == 0

	fields := []zap.Field{
		zap.String("consent_id", c.ID),
		zap.String("mode", string(result.Mode)),
		zap.Int("accounts", result.AccountsSynced),
		zap.Int("balances", result.BalancesSynced),
		zap.Int("transactions", result.TransactionsSynced),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	details := map[string]any{
		"consentId":          c.ID,
		"mode":               result.Mode,
		"accountsSynced":     result.AccountsSynced,
		"balancesSynced":     result.BalancesSynced,
		"transactionsSynced": result.TransactionsSynced,
	}

	action := audit.ActionSyncCompleted
	eventType := events.TypeSyncCompleted
	if result.Success {
		o.logger.Info("sync completed", fields...)
	} else {
		action = audit.ActionSyncFailed
		eventType = events.TypeSyncFailed
		details["errors"] = result.Errors
		o.logger.Warn("sync finished with errors", append(fields, zap.Strings("errors", result.Errors))...)
	}
	o.record(ctx, c.UserID, action, details)

	// Until the stamp is set the schedule keeps running initial syncs
	if result.Success && result.Mode == ModeInitial && c.InitialSyncedAt == nil {
		if err := o.consents.MarkInitialSynced(ctx, c.ID, result.FinishedAt); err != nil {
			o.logger.Warn("failed to mark initial sync", zap.String("consent_id", c.ID), zap.Error(err))
		}
	}

	if err := o.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        c.ID,
		UserID:     c.UserID,
		OccurredAt: result.FinishedAt,
		Payload:    result,
	}); err != nil {
		o.logger.Warn("failed to publish sync event", zap.String("consent_id", c.ID), zap.Error(err))
	}

	if !result.Success && result.Mode == ModeInitial && o.notifier != nil {
		if err := o.notifier.NotifySyncFailed(ctx, c.UserID, c.ID); err != nil {
			o.logger.Warn("failed to notify sync failure", zap.String("consent_id", c.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, userID int64, action audit.Action, details map[string]any) {
	if o.audit == nil {
		return
	}
	// Recorder already logs failures
	_ = o.audit.Record(ctx, userID, action, details)
}
