package main

import (
	"net/http"

	"go.uber.org/zap"

	"banklink/internal/shared/config"
	"banklink/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health checks
	mux.HandleFunc("GET /health", deps.HealthHandler.HandleHealth)
	mux.HandleFunc("GET /health/aggregator", deps.HealthHandler.HandleAggregator)

	// Unauthenticated aggregator-facing routes
	mux.HandleFunc("GET /api/consents/callback", deps.ConsentHandler.HandleCallback)
	mux.HandleFunc("POST /api/webhooks/aggregator", deps.WebhookHandler.HandleAggregator)

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protect("POST /api/consents/start", deps.ConsentHandler.HandleStart)
	protect("GET /api/consents", deps.ConsentHandler.HandleList)
	protect("GET /api/consents/{id}", deps.ConsentHandler.HandleGet)
	protect("DELETE /api/consents/{id}", deps.ConsentHandler.HandleRevoke)

	protect("GET /api/accounts", deps.AccountHandler.HandleListAccounts)
	protect("POST /api/accounts/sync", deps.AccountHandler.HandleSyncAll)
	protect("GET /api/accounts/{id}", deps.AccountHandler.HandleGetAccount)
	protect("POST /api/accounts/{id}/sync", deps.AccountHandler.HandleSyncAccount)
	protect("GET /api/accounts/{id}/transactions", deps.TransactionHandler.HandleListTransactions)

	protect("POST /api/notifications/devices", deps.NotificationHandler.HandleRegisterDevice)
	protect("GET /api/notifications", deps.NotificationHandler.HandleList)
	protect("POST /api/notifications/{id}/opened", deps.NotificationHandler.HandleOpened)

	// Apply global middleware
	handler := middleware.Logging(log)(middleware.CORS(cfg.Server.AllowedHosts)(mux))

	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(middleware.Tracing(handler))
	}

	if cfg.TLS.Enabled {
		handler = middleware.SecureCookies(handler)
		log.Info("TLS security middleware enabled (HSTS + SecureCookies)")
	}

	return middleware.SecurityHeaders(cfg.TLS.Enabled)(handler)
}
