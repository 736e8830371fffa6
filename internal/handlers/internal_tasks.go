package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meraki-bazaar/api/internal/platform/httpx"
)

// OutboxDrainer runs one pass over queued fulfillment work.
type OutboxDrainer interface {
	RunOnce(ctx context.Context) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// InternalTaskHandlers serves scheduler-triggered maintenance endpoints. The
// routes are mounted behind OIDC verification; only Cloud Scheduler and Cloud
// Tasks service accounts reach them.
type InternalTaskHandlers struct {
	worker OutboxDrainer
	logger func(context.Context, string, map[string]any)
}

// NewInternalTaskHandlers constructs the internal task endpoints.
func NewInternalTaskHandlers(worker OutboxDrainer, logger func(context.Context, string, map[string]any)) *InternalTaskHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &InternalTaskHandlers{worker: worker, logger: logger}
}

// Routes registers internal task endpoints under the provided router.
func (h *InternalTaskHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/tasks/fulfillment", h.drainOutbox)
	r.Post("/tasks/cleanup", h.cleanup)
}

func (h *InternalTaskHandlers) drainOutbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.worker == nil {
		httpx.WriteError(ctx, w, httpx.NewError("worker_unavailable", "fulfillment worker unavailable", http.StatusServiceUnavailable))
		return
	}

	processed, err := h.worker.RunOnce(ctx)
	if err != nil {
		h.logger(ctx, "internal.fulfillment_drain_failed", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("drain_failed", "failed to drain fulfillment outbox", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"processed": processed})
}

func (h *InternalTaskHandlers) cleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.worker == nil {
		httpx.WriteError(ctx, w, httpx.NewError("worker_unavailable", "fulfillment worker unavailable", http.StatusServiceUnavailable))
		return
	}

	removed, err := h.worker.CleanupExpired(ctx)
	if err != nil {
		h.logger(ctx, "internal.cleanup_failed", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "failed to remove expired records", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"removed": removed})
}
