package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meraki-bazaar/api/internal/platform/httpx"
	"github.com/meraki-bazaar/api/internal/services"
)

// Stripe signs payloads up to 64KiB; anything larger is not a genuine event.
const maxWebhookBody = 64 * 1024

const signatureHeader = "Stripe-Signature"

// WebhookHandlers receives gateway event deliveries. The endpoint is
// unauthenticated; the payload signature is the only trust anchor.
type WebhookHandlers struct {
	processor services.WebhookService
	logger    func(context.Context, string, map[string]any)
}

// NewWebhookHandlers constructs the gateway webhook endpoint.
func NewWebhookHandlers(processor services.WebhookService, logger func(context.Context, string, map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{processor: processor, logger: logger}
}

// Routes registers the webhook endpoint under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.handleEvent)
}

type webhookResponse struct {
	Received bool `json:"received"`
}

func (h *WebhookHandlers) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processor unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "failed to read event payload", http.StatusBadRequest))
		return
	}
	if len(payload) == 0 || len(payload) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "event payload empty or too large", http.StatusBadRequest))
		return
	}

	result, err := h.processor.Process(ctx, payload, r.Header.Get(signatureHeader))
	if err != nil {
		// Only envelope-level failures reach here; everything downstream is
		// acknowledged and handled asynchronously.
		h.logger(ctx, "webhook.rejected", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "event verification failed", http.StatusBadRequest))
		return
	}

	h.logger(ctx, "webhook.acknowledged", map[string]any{
		"eventId":   result.EventID,
		"eventType": result.EventType,
		"outcome":   string(result.Outcome),
	})
	writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true})
}
