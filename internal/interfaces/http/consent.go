package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"banklink/internal/domain/consent"
	"banklink/internal/shared/logger"
)

// ConsentService is the consent lifecycle as seen by the HTTP layer
type ConsentService interface {
	StartConsent(ctx context.Context, params consent.StartParams) (*consent.StartResult, error)
	HandleCallback(ctx context.Context, params consent.CallbackParams) (*consent.Consent, error)
	Revoke(ctx context.Context, consentID string, userID int64) (*consent.Consent, error)
	GetDetails(ctx context.Context, consentID string, userID int64) (*consent.Details, error)
	List(ctx context.Context, userID int64) ([]*consent.Details, error)
}

type ConsentHandler struct {
	consents    ConsentService
	frontendURL string
	logger      *zap.Logger
}

// NewConsentHandler creates the consent handler. frontendURL is where the
// browser lands after the bank redirects back.
func NewConsentHandler(consents ConsentService, frontendURL string, log *zap.Logger) *ConsentHandler {
	return &ConsentHandler{
		consents:    consents,
		frontendURL: frontendURL,
		logger:      logger.OrNop(log).Named("http.consent"),
	}
}

type StartConsentRequest struct {
	DurationDays    int    `json:"durationDays" validate:"gte=1,lte=365"`
	InstitutionCode string `json:"institutionCode" validate:"omitempty,max=64"`
}

// HandleStart handles POST /api/consents/start
func (h *ConsentHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req StartConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.consents.StartConsent(r.Context(), consent.StartParams{
		UserID:          userID,
		DurationDays:    req.DurationDays,
		InstitutionCode: req.InstitutionCode,
	})
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to start consent")
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// HandleCallback handles GET /api/consents/callback, the browser redirect
// back from the bank. It always answers with a redirect to the frontend.
func (h *ConsentHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := h.consents.HandleCallback(r.Context(), consent.CallbackParams{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	})

	params := url.Values{}
	if err != nil {
		reason := callbackReason(err)
		if reason == "internal" {
			h.logger.Error("consent callback failed", zap.Error(err))
		} else {
			h.logger.Info("consent callback rejected", zap.String("reason", reason), zap.Error(err))
		}
		params.Set("status", "error")
		params.Set("reason", reason)
	} else {
		params.Set("status", "success")
		params.Set("consentId", c.ID)
	}

	http.Redirect(w, r, h.redirectTarget(params), http.StatusFound)
}

func (h *ConsentHandler) redirectTarget(params url.Values) string {
	u, err := url.Parse(h.frontendURL)
	if err != nil || h.frontendURL == "" {
		return "/?" + params.Encode()
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func callbackReason(err error) string {
	switch {
	case errors.Is(err, consent.ErrAuthorizationDenied):
		return "access_denied"
	case errors.Is(err, consent.ErrInvalidCallback):
		return "invalid_request"
	case errors.Is(err, consent.ErrConsentNotFound):
		return "unknown_state"
	case errors.Is(err, consent.ErrConsentStateConflict):
		return "already_processed"
	case errors.Is(err, consent.ErrConfiguration):
		return "misconfigured"
	case errors.Is(err, consent.ErrUpstreamUnavailable):
		return "provider_unavailable"
	default:
		return "internal"
	}
}

// HandleList handles GET /api/consents
func (h *ConsentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	list, err := h.consents.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to list consents")
		return
	}
	if list == nil {
		list = []*consent.Details{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGet handles GET /api/consents/{id}
func (h *ConsentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	details, err := h.consents.GetDetails(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to get consent")
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// HandleRevoke handles DELETE /api/consents/{id}
func (h *ConsentHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := h.consents.Revoke(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to revoke consent")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
