package http

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"banklink/internal/domain/transaction"
	"banklink/internal/shared/logger"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// TransactionLister reads mirrored transactions of an account
type TransactionLister interface {
	ListByAccountID(ctx context.Context, accountID string, limit int) ([]*transaction.Transaction, error)
}

type TransactionHandler struct {
	accounts     AccountReader
	transactions TransactionLister
	logger       *zap.Logger
}

func NewTransactionHandler(accounts AccountReader, transactions TransactionLister, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		accounts:     accounts,
		transactions: transactions,
		logger:       logger.OrNop(log).Named("http.transaction"),
	}
}

// HandleListTransactions handles GET /api/accounts/{id}/transactions?limit=
func (h *TransactionHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	// ownership check; other users' accounts read as not found
	acct, err := h.accounts.GetAccount(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to get account")
		return
	}

	limit := defaultTransactionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = min(n, maxTransactionLimit)
		}
	}

	txns, err := h.transactions.ListByAccountID(r.Context(), acct.ID, limit)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to list transactions")
		return
	}
	if txns == nil {
		txns = []*transaction.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}
