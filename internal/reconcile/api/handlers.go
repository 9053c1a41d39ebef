package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/common/api"
	"payrecon/internal/common/middleware"
	"payrecon/internal/health"
	"payrecon/internal/reconcile"
	"payrecon/internal/sweep"
)

// Verifier verifies a single transaction
type Verifier interface {
	VerifyTransaction(ctx context.Context, transactionID, reference string) (*reconcile.Result, error)
}

// Sweeper runs an on-demand sweep
type Sweeper interface {
	ReconcileStuckTransactions(ctx context.Context, olderThan time.Duration) (*sweep.BatchResult, error)
	DefaultOlderThan() time.Duration
}

// HealthReporter builds the financial health snapshot
type HealthReporter interface {
	FinancialHealthReport(ctx context.Context) (*health.Snapshot, error)
}

// Handler handles reconciliation HTTP requests
type Handler struct {
	verifier Verifier
	sweeper  Sweeper
	reporter HealthReporter
	logger   *slog.Logger
}

// NewHandler creates a new reconciliation handler
func NewHandler(verifier Verifier, sweeper Sweeper, reporter HealthReporter, logger *slog.Logger) *Handler {
	return &Handler{verifier: verifier, sweeper: sweeper, reporter: reporter, logger: logger}
}

// Routes returns the reconciliation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/transactions/{id}/verify", h.VerifyTransaction)
	r.Post("/sweeps", h.RunSweep)
	r.Get("/health", h.FinancialHealth)

	return r
}

// VerifyRequest is the optional body of a verify call
type VerifyRequest struct {
	Reference string `json:"reference" validate:"omitempty,max=200,printascii"`
}

// VerifyTransaction handles POST /transactions/{id}/verify
func (h *Handler) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req VerifyRequest
	if err := api.DecodeAndValidate(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	result, err := h.verifier.VerifyTransaction(r.Context(), id, req.Reference)
	if err != nil {
		if errors.Is(err, reconcile.ErrTransactionNotFound) {
			api.NotFound(w, "transaction not found")
			return
		}
		h.logger.Error("verify transaction failed",
			"transaction_id", id,
			"actor", middleware.GetActor(r.Context()),
			"error", err,
		)
		api.InternalError(w, "failed to verify transaction")
		return
	}

	h.logger.Info("transaction verified",
		"transaction_id", id,
		"outcome", result.Outcome,
		"status", result.Status,
		"actor", middleware.GetActor(r.Context()),
	)
	api.WriteData(w, http.StatusOK, result)
}

// SweepRequest is the optional body of a sweep call
type SweepRequest struct {
	OlderThanMinutes int `json:"older_than_minutes" validate:"omitempty,gte=1,lte=10080"`
}

// RunSweep handles POST /sweeps
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := api.DecodeAndValidate(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	olderThan := h.sweeper.DefaultOlderThan()
	if req.OlderThanMinutes > 0 {
		olderThan = time.Duration(req.OlderThanMinutes) * time.Minute
	}

	result, err := h.sweeper.ReconcileStuckTransactions(r.Context(), olderThan)
	if errors.Is(err, sweep.ErrLockLost) {
		h.logger.Warn("sweep lost its lock", "older_than", olderThan, "processed", len(result.Details))
		api.Conflict(w, "sweep lock lost before the batch finished")
		return
	}
	if err != nil {
		h.logger.Error("sweep failed", "older_than", olderThan, "error", err)
		api.InternalError(w, "sweep failed")
		return
	}
	if result.Skipped {
		api.Conflict(w, "another sweep is in progress")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// FinancialHealth handles GET /health
func (h *Handler) FinancialHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.reporter.FinancialHealthReport(r.Context())
	if err != nil {
		h.logger.Error("health report failed", "error", err)
		api.InternalError(w, "failed to build health report")
		return
	}
	api.WriteData(w, http.StatusOK, snapshot)
}
