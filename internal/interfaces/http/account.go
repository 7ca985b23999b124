package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"banklink/internal/domain/account"
	"banklink/internal/domain/openfinance"
	"banklink/internal/shared/logger"
)

// AccountReader lists the caller's mirrored accounts
type AccountReader interface {
	ListAccountsByUserID(ctx context.Context, userID int64) ([]*account.ConnectedAccount, error)
	GetAccount(ctx context.Context, accountID string, userID int64) (*account.ConnectedAccount, error)
}

// SyncService runs on-demand syncs
type SyncService interface {
	SyncUser(ctx context.Context, userID int64) (*openfinance.UserSyncResult, error)
	SyncAccount(ctx context.Context, userID int64, accountID string) (*openfinance.SyncResult, error)
}

type AccountHandler struct {
	accounts AccountReader
	syncer   SyncService
	logger   *zap.Logger
}

func NewAccountHandler(accounts AccountReader, syncer SyncService, log *zap.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, syncer: syncer, logger: logger.OrNop(log).Named("http.account")}
}

// HandleListAccounts handles GET /api/accounts
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccountsByUserID(r.Context(), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to list accounts")
		return
	}

	response := make([]account.Summary, 0, len(accounts))
	for _, a := range accounts {
		response = append(response, a.Summary())
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleGetAccount handles GET /api/accounts/{id}
func (h *AccountHandler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, acct.Summary())
}

// HandleSyncAll handles POST /api/accounts/sync. The sync runs within the
// request; per-consent failures are reported in the body.
func (h *AccountHandler) HandleSyncAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.syncer.SyncUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to sync accounts")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSyncAccount handles POST /api/accounts/{id}/sync
func (h *AccountHandler) HandleSyncAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.syncer.SyncAccount(r.Context(), userID, r.PathValue("id"))
	if err != nil && result == nil {
		writeDomainError(w, h.logger, err, "failed to sync account")
		return
	}
	if err != nil {
		h.logger.Warn("account sync incomplete", zap.String("account_id", r.PathValue("id")), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, result)
}
