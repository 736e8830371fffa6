package services

import (
	"context"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderActor         = domain.OrderActor
	OrderLineItem      = domain.OrderLineItem
	CartItem           = domain.CartItem
	CheckoutLineItem   = domain.CheckoutLineItem
	CheckoutTotals     = domain.CheckoutTotals
	PendingCheckout    = domain.PendingCheckout
	FulfillmentJob     = domain.FulfillmentJob
	MonthlyOrderStat   = domain.MonthlyOrderStat
	MonthlyIncomeStat  = domain.MonthlyIncomeStat
	WeekdayIncomeStat  = domain.WeekdayIncomeStat
	OrderListFilter    = repositories.OrderListFilter
)

// CheckoutService turns a client cart into a hosted gateway checkout session.
type CheckoutService interface {
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (CheckoutSessionResult, error)
}

// WebhookService validates gateway notifications and records fulfillment intents.
type WebhookService interface {
	Process(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error)
}

// FulfillmentService reconciles a paid checkout session into a persisted order
// with rendered and delivered invoice artifacts. It is invoked by the outbox
// worker, never on the webhook request path.
type FulfillmentService interface {
	FulfillSession(ctx context.Context, job FulfillmentJob) error
}

// OrderService governs the order lifecycle and serves read and aggregation queries.
type OrderService interface {
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (OrderPage, error)
	Transition(ctx context.Context, cmd TransitionCommand) (Order, error)
	OrdersPerMonth(ctx context.Context) ([]MonthlyOrderStat, error)
	IncomePerMonth(ctx context.Context) ([]MonthlyIncomeStat, error)
	IncomePerWeekday(ctx context.Context) ([]WeekdayIncomeStat, error)
}

// OrderEventMessage is published to the order events topic after every
// lifecycle change.
type OrderEventMessage struct {
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	EventType   string    `json:"eventType"`
	Status      string    `json:"status"`
	Actor       string    `json:"actor"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// OrderEventPublisher delivers order lifecycle notifications to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, msg OrderEventMessage) error
}

// InvoiceArchive stores rendered invoice documents durably.
type InvoiceArchive interface {
	Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
	Bucket() string
}

// InvoiceMailer delivers a rendered invoice to the buyer.
type InvoiceMailer interface {
	SendInvoice(ctx context.Context, order Order, invoice domain.Invoice, pdf []byte) error
}

// Command and DTO definitions ------------------------------------------------

// CreateSessionCommand is the validated input of one checkout attempt.
type CreateSessionCommand struct {
	UserID string
	Email  string
	Name   string
	Items  []CartItem
}

// CheckoutSessionResult is returned to the storefront for redirecting the shopper.
type CheckoutSessionResult struct {
	SessionID string
	URL       string
	Totals    CheckoutTotals
}

// WebhookOutcome classifies how a verified event was handled.
type WebhookOutcome string

const (
	// WebhookOutcomeEnqueued means a fulfillment job was recorded for the event.
	WebhookOutcomeEnqueued WebhookOutcome = "enqueued"
	// WebhookOutcomeDuplicate means the event was already fully processed.
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	// WebhookOutcomeInFlight means a concurrent delivery is processing the event.
	WebhookOutcomeInFlight WebhookOutcome = "in_flight"
	// WebhookOutcomeIgnored covers acknowledged no-op event types.
	WebhookOutcomeIgnored WebhookOutcome = "ignored"
	// WebhookOutcomeUnhandled covers unknown event types, logged and acknowledged.
	WebhookOutcomeUnhandled WebhookOutcome = "unhandled"
)

// WebhookResult reports the handling of one verified event.
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   WebhookOutcome
}

// GetOrderQuery fetches one order with access control applied.
type GetOrderQuery struct {
	OrderID string
	ActorID string
	IsAdmin bool
}

// ListOrdersQuery narrows and paginates order listings, newest first.
type ListOrdersQuery struct {
	UserID     string
	Limit      int
	StartAfter []any
}

// OrderPage is one page of an order listing with an opaque continuation cursor.
type OrderPage struct {
	Orders     []Order
	NextCursor []any
}

// TransitionEvent names a lifecycle transition request.
type TransitionEvent string

const (
	// TransitionCancel cancels an undispatched order.
	TransitionCancel TransitionEvent = "cancel"
	// TransitionDispatch hands the order to the carrier.
	TransitionDispatch TransitionEvent = "dispatch"
	// TransitionDeliver records carrier-confirmed delivery.
	TransitionDeliver TransitionEvent = "deliver"
	// TransitionRequestReturn opens a return request on a delivered order.
	TransitionRequestReturn TransitionEvent = "request_return"
	// TransitionApproveReturn grants a pending return request.
	TransitionApproveReturn TransitionEvent = "approve_return"
	// TransitionDenyReturn refuses a pending return request.
	TransitionDenyReturn TransitionEvent = "deny_return"
	// TransitionMarkReturned records arrival of the returned goods.
	TransitionMarkReturned TransitionEvent = "mark_returned"
)

// TransitionCommand applies one lifecycle event to an order.
type TransitionCommand struct {
	OrderID string
	Event   TransitionEvent
	Actor   OrderActor
	ActorID string
}
