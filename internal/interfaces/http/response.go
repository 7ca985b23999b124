package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"banklink/internal/domain/account"
	"banklink/internal/domain/consent"
	"banklink/internal/domain/notification"
	"banklink/internal/domain/openfinance"
	"banklink/internal/domain/webhook"
	"banklink/internal/shared/middleware"
)

const maxBodySize = 1 << 20 // 1 MiB

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps service errors to status codes. Unknown errors are
// logged and answered with a generic 500.
func writeDomainError(w http.ResponseWriter, log *zap.Logger, err error, fallback string) {
	status, msg := classify(err)
	if status == http.StatusInternalServerError {
		log.Error(fallback, zap.Error(err))
		msg = fallback
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, consent.ErrConsentNotFound),
		errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, notification.ErrNotificationNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, consent.ErrConsentStateConflict):
		return http.StatusConflict, "consent is not in a state that allows this operation"
	case errors.Is(err, openfinance.ErrSyncInProgress):
		return http.StatusConflict, "a sync is already running for this consent"
	case errors.Is(err, openfinance.ErrConsentNotActive):
		return http.StatusConflict, "consent is not active"
	case errors.Is(err, consent.ErrInvalidDuration):
		return http.StatusBadRequest, fmt.Sprintf("durationDays must be between 1 and %d", consent.MaxDurationDays)
	case errors.Is(err, consent.ErrConfiguration):
		return http.StatusServiceUnavailable, "integration misconfigured"
	case errors.Is(err, consent.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "bank provider temporarily unavailable, try again later"
	case errors.Is(err, webhook.ErrSignatureInvalid):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, webhook.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid payload"
	case errors.Is(err, notification.ErrInvalidToken),
		errors.Is(err, notification.ErrInvalidPlatform):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, ""
	}
}

// decodeJSON reads a size-limited JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", jsonName(fe.Field())))
		case "gte", "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", jsonName(fe.Field()), fe.Param()))
		case "lte", "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", jsonName(fe.Field()), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", jsonName(fe.Field()), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", jsonName(fe.Field()), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func jsonName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

// requireUser returns the authenticated user id or answers 401.
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	return userID, true
}
