package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/metrics"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service"
	"github.com/custodia/depositd/internal/worker"
)

const (
	maxWebhookBody = 1 << 20
	version        = "1.0.0"

	reasonRetryScheduled = "processing failed, scheduled for retry"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	cfg        *config.Config
	store      service.Store
	pipeline   *service.Pipeline
	addresses  *service.AddressLedger
	retry      *worker.RetryScheduler
	reconciler *worker.Reconciler
	now        service.Clock
	logger     *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	cfg *config.Config,
	store service.Store,
	pipeline *service.Pipeline,
	addresses *service.AddressLedger,
	retry *worker.RetryScheduler,
	reconciler *worker.Reconciler,
	now service.Clock,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		cfg:        cfg,
		store:      store,
		pipeline:   pipeline,
		addresses:  addresses,
		retry:      retry,
		reconciler: reconciler,
		now:        now,
		logger:     logger.Named("api"),
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: version,
		Mode:    h.cfg.Provider.Mode,
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Webhook ====================

// HandleProviderWebhook handles POST /webhooks/{provider}
// Benign outcomes are acknowledged with 200 so the provider does not redeliver.
func (h *Handler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	log := h.logger.With(zap.String("provider", provider))

	code := http.StatusOK
	defer func() {
		metrics.WebhookRequests.WithLabelValues(strconv.Itoa(code)).Inc()
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("Webhook rejected: body too large", zap.Int64("limit", tooLarge.Limit))
			code = http.StatusRequestEntityTooLarge
			respondError(w, code, "Request body too large", nil)
			return
		}
		code = http.StatusBadRequest
		respondError(w, code, "Failed to read request body", err)
		return
	}

	if secret := h.cfg.Security.WebhookSecret; secret != "" {
		if !VerifySignature(secret, body, r.Header.Get(SignatureHeader)) {
			log.Warn("Webhook rejected: invalid signature", zap.String("remote_addr", r.RemoteAddr))
			code = http.StatusUnauthorized
			respondError(w, code, "Invalid signature", nil)
			return
		}
	}

	evt, err := service.ParseRawDepositEvent(body)
	if err != nil {
		log.Warn("Webhook rejected: invalid deposit payload", zap.Error(err))
		code = http.StatusBadRequest
		respondError(w, code, "Invalid deposit payload", err)
		return
	}
	if evt.Kind != service.EventDeposit {
		log.Info("Webhook ignored", zap.String("reason", evt.Reason), zap.String("type", evt.Type))
		respondJSON(w, code, WebhookResponse{Success: true, Ignored: true, Reason: evt.Reason})
		return
	}

	// a client disconnect must not abort a sweep halfway
	ctx := context.WithoutCancel(r.Context())

	res, err := h.pipeline.Ingest(ctx, evt.Deposit(models.SourceWebhook, h.now()))
	switch {
	case errors.Is(err, service.ErrInvalidDeposit):
		code = http.StatusBadRequest
		respondError(w, code, "Invalid deposit payload", err)
		return
	case err != nil && res.Record != nil:
		// the failure is persisted and the retry scheduler owns the record now
		log.Error("Webhook deposit processing failed", zap.String("tx_hash", evt.TxHash), zap.Error(err))
		respondJSON(w, code, WebhookResponse{
			Success: false,
			Reason:  reasonRetryScheduled,
			TxHash:  res.Record.TxHash,
			Status:  res.Record.Status,
		})
		return
	case err != nil:
		log.Error("Webhook deposit ingestion failed", zap.String("tx_hash", evt.TxHash), zap.Error(err))
		code = http.StatusInternalServerError
		respondError(w, code, "Internal server error", nil)
		return
	}

	respondJSON(w, code, webhookResponse(evt.TxHash, res))
}

func webhookResponse(txHash string, res service.IngestResult) WebhookResponse {
	resp := WebhookResponse{
		Success: true,
		Ignored: res.Ignored,
		Reason:  res.Reason,
		TxHash:  txHash,
	}
	if res.Record != nil {
		resp.Status = res.Record.Status
	}
	return resp
}

// ==================== Test Deposits ====================

// HandleSimulateDeposit handles POST /api/v1/test/deposits
// Only routed in test mode.
func (h *Handler) HandleSimulateDeposit(w http.ResponseWriter, r *http.Request) {
	var req SimulateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	if !req.Amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}

	res, err := h.pipeline.Simulate(context.WithoutCancel(r.Context()), req.UserID, req.Amount, h.now())
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "User not found", nil)
		return
	case errors.Is(err, service.ErrInvalidDeposit):
		respondError(w, http.StatusBadRequest, "Invalid deposit", err)
		return
	case err != nil && res.Record == nil:
		h.logger.Error("Simulated deposit failed", zap.String("user_id", req.UserID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	case err != nil:
		h.logger.Error("Simulated deposit processing failed",
			zap.String("user_id", req.UserID),
			zap.String("tx_hash", res.Record.TxHash),
			zap.Error(err))
		respondJSON(w, http.StatusOK, WebhookResponse{
			Success: false,
			Reason:  reasonRetryScheduled,
			TxHash:  res.Record.TxHash,
			Status:  res.Record.Status,
		})
		return
	}

	txHash := ""
	if res.Record != nil {
		txHash = res.Record.TxHash
	}
	respondJSON(w, http.StatusOK, webhookResponse(txHash, res))
}

// ==================== Users ====================

// HandleAssignDepositAddress handles POST /api/v1/users/{userId}/deposit-address
func (h *Handler) HandleAssignDepositAddress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID == "" {
		respondError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}

	address, err := h.addresses.AssignDepositAddress(r.Context(), userID)
	if errors.Is(err, service.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to assign deposit address", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to assign deposit address", nil)
		return
	}

	respondJSON(w, http.StatusOK, DepositAddressResponse{UserID: userID, Address: address})
}

// HandleGetUserDeposits handles GET /api/v1/users/{userId}/deposits
func (h *Handler) HandleGetUserDeposits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID == "" {
		respondError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}

	// Parse pagination parameters (optional)
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 500 {
			limit = parsedLimit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	recs, err := h.store.ListDepositsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list deposits", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get deposits", nil)
		return
	}

	deposits := make([]DepositSummary, 0, len(recs))
	for i := range recs {
		deposits = append(deposits, toDepositSummary(&recs[i]))
	}
	respondJSON(w, http.StatusOK, GetUserDepositsResponse{Deposits: deposits})
}

// ==================== Admin ====================

// HandleReconcileAll handles POST /api/v1/admin/reconcile
func (h *Handler) HandleReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.ReconcileAll(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Warn("Reconciliation finished with errors", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, report)
}

// HandleReconcileUser handles POST /api/v1/admin/reconcile/{userId}
func (h *Handler) HandleReconcileUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	report, err := h.reconciler.ReconcileUser(context.WithoutCancel(r.Context()), userID)
	if errors.Is(err, service.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if err != nil {
		h.logger.Warn("User reconciliation finished with errors", zap.String("user_id", userID), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, report)
}

// HandleRetryDeposit handles POST /api/v1/admin/deposits/{txHash}/retry
func (h *Handler) HandleRetryDeposit(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	rec, err := h.retry.RetryDeposit(context.WithoutCancel(r.Context()), txHash)
	switch {
	case errors.Is(err, service.ErrDepositNotFound):
		respondError(w, http.StatusNotFound, "Deposit not found", nil)
		return
	case errors.Is(err, service.ErrMaxRetriesReached), errors.Is(err, service.ErrNotRetryable):
		respondError(w, http.StatusConflict, "Deposit cannot be retried", err)
		return
	case err != nil && rec == nil:
		h.logger.Error("Manual retry failed", zap.String("tx_hash", txHash), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	resp := RetryResponse{Success: err == nil, Deposit: toDepositSummary(rec)}
	if err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleRecoverDeposit handles POST /api/v1/admin/deposits/{txHash}/recover
func (h *Handler) HandleRecoverDeposit(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	rec, kind, err := h.reconciler.RecoverDeposit(context.WithoutCancel(r.Context()), txHash)
	switch {
	case errors.Is(err, service.ErrDepositNotFound):
		respondError(w, http.StatusNotFound, "Deposit not found", nil)
		return
	case errors.Is(err, service.ErrUserNotFound):
		respondError(w, http.StatusConflict, "Deposit owner no longer exists", nil)
		return
	case errors.Is(err, service.ErrNotRetryable):
		respondError(w, http.StatusConflict, "Deposit cannot be recovered now", err)
		return
	case err != nil:
		h.logger.Error("Deposit recovery failed", zap.String("tx_hash", txHash), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	respondJSON(w, http.StatusOK, RecoverResponse{Repair: kind, Deposit: toDepositSummary(rec)})
}

// HandleGetDeposit handles GET /api/v1/admin/deposits/{txHash}
func (h *Handler) HandleGetDeposit(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	rec, err := h.store.GetDeposit(r.Context(), txHash)
	if err != nil {
		h.logger.Error("Failed to get deposit", zap.String("tx_hash", txHash), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get deposit", nil)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "Deposit not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, toDepositSummary(rec))
}

// ==================== Helper Functions ====================

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// headers are already written; nothing useful to do on failure
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends an error response. err details are only exposed for
// client errors.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil && statusCode < http.StatusInternalServerError {
		response.Message = fmt.Sprintf("%s: %v", message, err)
	}
	respondJSON(w, statusCode, response)
}

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
