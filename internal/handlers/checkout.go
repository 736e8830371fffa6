package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/platform/auth"
	"github.com/meraki-bazaar/api/internal/platform/httpx"
	"github.com/meraki-bazaar/api/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

// CheckoutHandlers exposes checkout session creation for authenticated shoppers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	limiter  rateLimiter
}

// CheckoutHandlersOption customises checkout handler construction.
type CheckoutHandlersOption func(*CheckoutHandlers)

// WithCheckoutRateLimiter bounds per-user session creation attempts.
func WithCheckoutRateLimiter(limiter rateLimiter) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		h.limiter = limiter
	}
}

// WithCheckoutRateLimit caps session creation per user to limit attempts
// within the rolling window.
func WithCheckoutRateLimit(limit int, window time.Duration) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, time.Now)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutHandlersOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/create-session", h.createSession)
}

type cartItemRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"desc"`
	Price          float64  `json:"price"`
	Tax            *float64 `json:"tax"`
	DeliveryCharge float64  `json:"deliveryCharge"`
	CartQuantity   int64    `json:"cartQuantity"`
	Image          string   `json:"image"`
}

type createSessionRequest struct {
	CartItems []cartItemRequest `json:"cartItems"`
	UserID    string            `json:"userId"`
}

type totalAmountResponse struct {
	Price          int64 `json:"price"`
	Tax            int64 `json:"tax"`
	DeliveryCharge int64 `json:"deliveryCharge"`
}

type createSessionResponse struct {
	URL         string              `json:"url"`
	TotalAmount totalAmountResponse `json:"totalAmount"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; retry shortly", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if len(req.CartItems) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cartItems must not be empty", http.StatusBadRequest))
		return
	}
	// The cart is always charged to the authenticated caller; a mismatched
	// body userId is rejected rather than silently overridden.
	if bodyUser := strings.TrimSpace(req.UserID); bodyUser != "" && bodyUser != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "userId does not match the authenticated user", http.StatusForbidden))
		return
	}

	items := make([]domain.CartItem, 0, len(req.CartItems))
	for _, item := range req.CartItems {
		items = append(items, domain.CartItem{
			ProductID:      strings.TrimSpace(item.ID),
			Name:           strings.TrimSpace(item.Name),
			Description:    strings.TrimSpace(item.Description),
			Price:          item.Price,
			Quantity:       item.CartQuantity,
			TaxRate:        item.Tax,
			DeliveryCharge: item.DeliveryCharge,
			ImageURL:       strings.TrimSpace(item.Image),
		})
	}

	result, err := h.checkout.CreateSession(ctx, services.CreateSessionCommand{
		UserID: identity.UID,
		Email:  identity.Email,
		Items:  items,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, createSessionResponse{
		URL: result.URL,
		TotalAmount: totalAmountResponse{
			Price:          result.Totals.Price,
			Tax:            result.Totals.Tax,
			DeliveryCharge: result.Totals.DeliveryCharge,
		},
	})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidAmount), errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway request failed", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to create checkout session", http.StatusInternalServerError))
	}
}
