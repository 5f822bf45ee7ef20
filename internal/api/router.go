package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/config"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, cfg *config.Config, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Health check endpoint
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Provider notifications
	router.HandleFunc("/webhooks/{provider}", handler.HandleProviderWebhook).Methods(http.MethodPost)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Synthetic deposits never exist against real funds
	if !cfg.IsProduction() {
		api.HandleFunc("/test/deposits", handler.HandleSimulateDeposit).Methods(http.MethodPost)
	}

	// Users
	api.HandleFunc("/users/{userId}/deposit-address", handler.HandleAssignDepositAddress).Methods(http.MethodPost)
	api.HandleFunc("/users/{userId}/deposits", handler.HandleGetUserDeposits).Methods(http.MethodGet)

	// Admin
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(adminAuthMiddleware(cfg, logger))
	admin.HandleFunc("/reconcile", handler.HandleReconcileAll).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile/{userId}", handler.HandleReconcileUser).Methods(http.MethodPost)
	admin.HandleFunc("/deposits/{txHash}", handler.HandleGetDeposit).Methods(http.MethodGet)
	admin.HandleFunc("/deposits/{txHash}/retry", handler.HandleRetryDeposit).Methods(http.MethodPost)
	admin.HandleFunc("/deposits/{txHash}/recover", handler.HandleRecoverDeposit).Methods(http.MethodPost)

	return router
}

// ==================== Middleware ====================

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow all origins for now (can be restricted later)
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"Internal server error","message":"An unexpected error occurred"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware requires the admin bearer token. Without a configured
// token the admin routes are open in test mode and closed in production.
func adminAuthMiddleware(cfg *config.Config, logger *zap.Logger) mux.MiddlewareFunc {
	expected := []byte(cfg.Security.AdminAPIToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				if cfg.IsProduction() {
					respondError(w, http.StatusForbidden, "Admin API disabled", nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if subtle.ConstantTimeCompare([]byte(bearerToken(r)), expected) != 1 {
				logger.Warn("Admin request rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				respondError(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
