package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/platform/auth"
	"github.com/meraki-bazaar/api/internal/platform/httpx"
	"github.com/meraki-bazaar/api/internal/platform/pagination"
	"github.com/meraki-bazaar/api/internal/platform/storage"
	"github.com/meraki-bazaar/api/internal/services"
)

const (
	maxOrderRequestBody = 4 * 1024
	recentOrdersLimit   = 4
	invoiceURLTTL       = 5 * time.Minute
)

// InvoiceURLSigner mints short-lived download URLs for archived invoices.
type InvoiceURLSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// OrderHandlers exposes the order lifecycle, listing, and aggregation endpoints.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService

	invoiceSigner InvoiceURLSigner
	invoiceBucket string
}

// OrderHandlersOption customises order handler construction.
type OrderHandlersOption func(*OrderHandlers)

// WithInvoiceSigner enables the signed invoice download endpoint.
func WithInvoiceSigner(signer InvoiceURLSigner, bucket string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.invoiceSigner = signer
		h.invoiceBucket = strings.TrimSpace(bucket)
	}
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	user := r
	admin := r
	if h.authn != nil {
		user = r.With(h.authn.RequireFirebaseAuth())
		admin = r.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}

	admin.Get("/", h.listOrders)
	user.Get("/user", h.listOwnOrders)
	admin.Get("/findone/{orderId}", h.findOne)
	admin.Get("/stats", h.orderStats)
	admin.Get("/income/stats", h.incomeStats)
	admin.Get("/week-sales", h.weekSales)
	user.Get("/invoice/{orderId}", h.invoiceDownloadURL)

	admin.Put("/{orderId}", h.updateStatus)
	user.Put("/cancel/{orderId}", h.cancelOrder)
	user.Put("/return/{orderId}", h.requestReturn)
	admin.Put("/request/approve/return/{orderId}", h.approveReturn)
	admin.Put("/request/deny/return/{orderId}", h.denyReturn)
}

type orderLineItemResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"desc,omitempty"`
	Price          int64   `json:"price"`
	Quantity       int64   `json:"quantity"`
	TaxRate        float64 `json:"taxRate"`
	DeliveryCharge int64   `json:"deliveryCharge"`
	Image          string  `json:"image,omitempty"`
}

type shippingResponse struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

type orderResponse struct {
	ID                 string                  `json:"id"`
	OrderNumber        string                  `json:"orderNumber"`
	UserID             string                  `json:"userId"`
	Currency           string                  `json:"currency"`
	Products           []orderLineItemResponse `json:"products"`
	Subtotal           int64                   `json:"subtotal"`
	Tax                int64                   `json:"tax"`
	DeliveryCharge     int64                   `json:"deliveryCharge"`
	Total              int64                   `json:"total"`
	Shipping           *shippingResponse       `json:"shipping,omitempty"`
	DeliveryStatus     string                  `json:"deliveryStatus"`
	PaymentStatus      string                  `json:"paymentStatus"`
	CancellationStatus string                  `json:"cancellationStatus"`
	ReturnStatus       string                  `json:"returnStatus"`
	CreatedAt          string                  `json:"createdAt"`
	UpdatedAt          string                  `json:"updatedAt"`
}

type orderListResponse struct {
	Orders     []orderResponse `json:"orders"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

func orderToResponse(order domain.Order) orderResponse {
	products := make([]orderLineItemResponse, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		products = append(products, orderLineItemResponse{
			ID:             item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			Price:          item.UnitPrice,
			Quantity:       item.Quantity,
			TaxRate:        item.TaxRate,
			DeliveryCharge: item.DeliveryCharge,
			Image:          item.ImageURL,
		})
	}

	resp := orderResponse{
		ID:                 order.ID,
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		Currency:           order.Currency,
		Products:           products,
		Subtotal:           order.Subtotal,
		Tax:                order.Tax,
		DeliveryCharge:     order.DeliveryCharge,
		Total:              order.Total,
		DeliveryStatus:     string(order.Status),
		PaymentStatus:      order.PaymentStatus,
		CancellationStatus: string(order.CancellationStatus()),
		ReturnStatus:       string(order.ReturnStatus()),
		CreatedAt:          order.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:          order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if order.Shipping != nil {
		resp.Shipping = &shippingResponse{
			Name:       order.Shipping.Name,
			Line1:      order.Shipping.Line1,
			Line2:      order.Shipping.Line2,
			City:       order.Shipping.City,
			State:      order.Shipping.State,
			PostalCode: order.Shipping.PostalCode,
			Country:    order.Shipping.Country,
			Phone:      order.Shipping.Phone,
			Email:      order.Shipping.Email,
		}
	}
	return resp
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := services.ListOrdersQuery{}
	if strings.EqualFold(r.URL.Query().Get("new"), "true") {
		query.Limit = recentOrdersLimit
	} else {
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
				return
			}
			query.Limit = limit
		}
		cursor, err := parseListCursor(r.URL.Query().Get("after"))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "after cursor is malformed", http.StatusBadRequest))
			return
		}
		query.StartAfter = cursor
	}

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, pageToResponse(page))
}

func (h *OrderHandlers) listOwnOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	cursor, err := parseListCursor(r.URL.Query().Get("after"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "after cursor is malformed", http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.ListOrdersQuery{
		UserID:     identity.UID,
		StartAfter: cursor,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, pageToResponse(page))
}

func (h *OrderHandlers) findOne(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: chi.URLParam(r, "orderId"),
		ActorID: identity.UID,
		IsAdmin: identity.HasRole(auth.RoleAdmin),
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderToResponse(order))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// statusTransitionEvent maps a requested target status onto the lifecycle
// event that produces it. Target states the machine cannot reach by request
// (e.g. pending) have no mapping.
func statusTransitionEvent(status domain.OrderStatus) (services.TransitionEvent, bool) {
	switch status {
	case domain.OrderStatusDispatched:
		return services.TransitionDispatch, true
	case domain.OrderStatusDelivered:
		return services.TransitionDeliver, true
	case domain.OrderStatusCanceled:
		return services.TransitionCancel, true
	case domain.OrderStatusReturnRequested:
		return services.TransitionRequestReturn, true
	case domain.OrderStatusReturnApproved:
		return services.TransitionApproveReturn, true
	case domain.OrderStatusReturnDenied:
		return services.TransitionDenyReturn, true
	case domain.OrderStatusReturned:
		return services.TransitionMarkReturned, true
	default:
		return "", false
	}
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req updateStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	status, valid := domain.ParseOrderStatus(strings.TrimSpace(req.Status))
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is not a known order state", http.StatusBadRequest))
		return
	}
	event, ok := statusTransitionEvent(status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status cannot be set directly", http.StatusBadRequest))
		return
	}

	h.applyTransition(ctx, w, services.TransitionCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Event:   event,
		Actor:   domain.OrderActorAdmin,
		ActorID: identity.UID,
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.customerTransition(w, r, services.TransitionCancel)
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	h.customerTransition(w, r, services.TransitionRequestReturn)
}

func (h *OrderHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	h.adminTransition(w, r, services.TransitionApproveReturn)
}

func (h *OrderHandlers) denyReturn(w http.ResponseWriter, r *http.Request) {
	h.adminTransition(w, r, services.TransitionDenyReturn)
}

func (h *OrderHandlers) customerTransition(w http.ResponseWriter, r *http.Request, event services.TransitionEvent) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor := domain.OrderActorCustomer
	if identity.HasRole(auth.RoleAdmin) {
		actor = domain.OrderActorAdmin
	}
	h.applyTransition(ctx, w, services.TransitionCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Event:   event,
		Actor:   actor,
		ActorID: identity.UID,
	})
}

func (h *OrderHandlers) adminTransition(w http.ResponseWriter, r *http.Request, event services.TransitionEvent) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	h.applyTransition(ctx, w, services.TransitionCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Event:   event,
		Actor:   domain.OrderActorAdmin,
		ActorID: identity.UID,
	})
}

func (h *OrderHandlers) applyTransition(ctx context.Context, w http.ResponseWriter, cmd services.TransitionCommand) {
	order, err := h.orders.Transition(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderToResponse(order))
}

func (h *OrderHandlers) invoiceDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil || h.invoiceSigner == nil || h.invoiceBucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invoices_unavailable", "invoice downloads unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: chi.URLParam(r, "orderId"),
		ActorID: identity.UID,
		IsAdmin: identity.HasRole(auth.RoleAdmin),
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	if order.InvoicePath == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_ready", "invoice has not been issued yet", http.StatusNotFound))
		return
	}

	signed, err := h.invoiceSigner.SignedDownloadURL(ctx, h.invoiceBucket, order.InvoicePath, storage.DownloadOptions{
		ExpiresIn:    invoiceURLTTL,
		ResponseType: "application/pdf",
		Disposition:  `attachment; filename="` + order.OrderNumber + `.pdf"`,
		OwnerID:      order.UserID,
		Identity:     identity,
	})
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to download this invoice", http.StatusForbidden))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invoice_url_error", "failed to sign invoice download url", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"url":       signed.URL,
		"expiresAt": signed.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *OrderHandlers) orderStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	stats, err := h.orders.OrdersPerMonth(ctx)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	out := make([]map[string]any, 0, len(stats))
	for _, stat := range stats {
		out = append(out, map[string]any{
			"year":  stat.Year,
			"month": int(stat.Month),
			"count": stat.Count,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"stats": out})
}

func (h *OrderHandlers) incomeStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	stats, err := h.orders.IncomePerMonth(ctx)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	out := make([]map[string]any, 0, len(stats))
	for _, stat := range stats {
		out = append(out, map[string]any{
			"year":  stat.Year,
			"month": int(stat.Month),
			"total": stat.Total,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"stats": out})
}

func (h *OrderHandlers) weekSales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	stats, err := h.orders.IncomePerWeekday(ctx)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	out := make([]map[string]any, 0, len(stats))
	for _, stat := range stats {
		out = append(out, map[string]any{
			"weekday": stat.Weekday.String(),
			"total":   stat.Total,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"stats": out})
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to act on this order", http.StatusForbidden))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func pageToResponse(page services.OrderPage) orderListResponse {
	resp := orderListResponse{Orders: make([]orderResponse, 0, len(page.Orders))}
	for _, order := range page.Orders {
		resp.Orders = append(resp.Orders, orderToResponse(order))
	}
	resp.NextCursor = encodeListCursor(page.NextCursor)
	return resp
}

// List cursors travel as "<createdAt RFC3339Nano>|<orderId>" query values.
func encodeListCursor(cursor []any) string {
	if len(cursor) != 2 {
		return ""
	}
	createdAt, ok := cursor[0].(time.Time)
	if !ok {
		return ""
	}
	id, ok := cursor[1].(string)
	if !ok {
		return ""
	}
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id},
	})
	if err != nil {
		return ""
	}
	return token
}

func parseListCursor(raw string) ([]any, error) {
	cursor, err := pagination.DecodeToken(raw)
	if err != nil {
		return nil, err
	}
	if len(cursor.StartAfter) == 0 {
		return nil, nil
	}
	if len(cursor.StartAfter) != 2 {
		return nil, errors.New("cursor must carry two values")
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return nil, errors.New("cursor timestamp must be a string")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return nil, err
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || id == "" {
		return nil, errors.New("cursor id must be a string")
	}
	return []any{createdAt, id}, nil
}
