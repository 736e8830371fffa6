package domain

import (
	"time"
)

// OrderStatus enumerates the authoritative lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPending indicates payment is confirmed and the order awaits dispatch.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusDispatched indicates the order has been handed to the carrier.
	OrderStatusDispatched OrderStatus = "dispatched"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCanceled indicates the customer canceled before dispatch.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusReturnRequested indicates the customer asked to return a delivered order.
	OrderStatusReturnRequested OrderStatus = "return_requested"
	// OrderStatusReturnApproved indicates an admin accepted the return request.
	OrderStatusReturnApproved OrderStatus = "return_approved"
	// OrderStatusReturnDenied indicates an admin rejected the return request.
	OrderStatusReturnDenied OrderStatus = "return_denied"
	// OrderStatusReturned indicates the returned goods arrived back at the warehouse.
	OrderStatusReturned OrderStatus = "returned"
)

// ParseOrderStatus validates a raw status string.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch OrderStatus(raw) {
	case OrderStatusPending, OrderStatusDispatched, OrderStatusDelivered,
		OrderStatusCanceled, OrderStatusReturnRequested, OrderStatusReturnApproved,
		OrderStatusReturnDenied, OrderStatusReturned:
		return OrderStatus(raw), true
	}
	return "", false
}

// SecondaryStatus mirrors the legacy cancellation/return read-model values.
type SecondaryStatus string

const (
	// SecondaryStatusPending is the default value before any decision.
	SecondaryStatusPending SecondaryStatus = "pending"
	// SecondaryStatusAccepted indicates the request was granted.
	SecondaryStatusAccepted SecondaryStatus = "accepted"
	// SecondaryStatusRejected indicates the request was refused.
	SecondaryStatusRejected SecondaryStatus = "rejected"
)

// OrderActor identifies who drove a lifecycle transition.
type OrderActor string

const (
	// OrderActorCustomer marks customer-initiated transitions.
	OrderActorCustomer OrderActor = "customer"
	// OrderActorAdmin marks operator-initiated transitions.
	OrderActorAdmin OrderActor = "admin"
	// OrderActorSystem marks transitions applied by background workers.
	OrderActorSystem OrderActor = "system"
)

// OrderLineItem is a frozen snapshot of one cart entry at purchase time.
// It is never re-derived from the catalog after the order exists.
type OrderLineItem struct {
	ProductID      string
	Name           string
	Description    string
	UnitPrice      int64
	Quantity       int64
	TaxRate        float64
	DeliveryCharge int64
	ImageURL       string
}

// ShippingDetails is the address snapshot supplied by the gateway at payment time.
type ShippingDetails struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
	Email      string
}

// OrderStatusEvent records one applied lifecycle transition.
type OrderStatusEvent struct {
	From       OrderStatus
	To         OrderStatus
	Actor      OrderActor
	OccurredAt time.Time
}

// Order is the persisted aggregate created once per successful payment.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	CustomerID      string
	PaymentIntentID string
	SessionID       string
	Currency        string
	LineItems       []OrderLineItem
	Subtotal        int64
	Tax             int64
	DeliveryCharge  int64
	Total           int64
	Shipping        *ShippingDetails
	Status          OrderStatus
	PaymentStatus   string
	InvoicePath     string
	Events          []OrderStatusEvent
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CancellationStatus derives the legacy cancellation read-model field.
func (o Order) CancellationStatus() SecondaryStatus {
	if o.Status == OrderStatusCanceled {
		return SecondaryStatusAccepted
	}
	return SecondaryStatusPending
}

// ReturnStatus derives the legacy return read-model field.
func (o Order) ReturnStatus() SecondaryStatus {
	switch o.Status {
	case OrderStatusReturnApproved, OrderStatusReturned:
		return SecondaryStatusAccepted
	case OrderStatusReturnDenied:
		return SecondaryStatusRejected
	default:
		return SecondaryStatusPending
	}
}

// CartItem is one entry of the client-submitted cart. Monetary fields are in
// major currency units exactly as the storefront displays them.
type CartItem struct {
	ProductID      string
	Name           string
	Description    string
	Price          float64
	Quantity       int64
	TaxRate        *float64
	DeliveryCharge float64
	ImageURL       string
}

// CheckoutLineItem is a cart item normalized into minor units with the tax
// rate defaulted. It lives only for the duration of one checkout attempt and
// inside the pending checkout snapshot.
type CheckoutLineItem struct {
	ProductID      string
	Name           string
	Description    string
	UnitAmount     int64
	UnitAmountTax  int64
	Quantity       int64
	TaxRate        float64
	DeliveryCharge int64
	ImageURL       string
}

// CheckoutTotals aggregates cart amounts in minor units.
type CheckoutTotals struct {
	Price          int64
	Tax            int64
	DeliveryCharge int64
}

// GrandTotal sums all components.
func (t CheckoutTotals) GrandTotal() int64 {
	return t.Price + t.Tax + t.DeliveryCharge
}

// PendingCheckout is the short-lived server-side record of one checkout
// attempt, keyed by the gateway session identifier. It replaces gateway
// metadata as the source of truth for the cart between redirect and webhook.
type PendingCheckout struct {
	SessionID  string
	UserID     string
	CustomerID string
	Currency   string
	Items      []CheckoutLineItem
	Totals     CheckoutTotals
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// FulfillmentJobState enumerates outbox job lifecycle states.
type FulfillmentJobState string

const (
	// FulfillmentJobStatePending marks jobs waiting for a worker.
	FulfillmentJobStatePending FulfillmentJobState = "pending"
	// FulfillmentJobStateRunning marks jobs claimed by a worker.
	FulfillmentJobStateRunning FulfillmentJobState = "running"
	// FulfillmentJobStateDone marks completed jobs.
	FulfillmentJobStateDone FulfillmentJobState = "done"
	// FulfillmentJobStateFailed marks jobs that exhausted their attempts.
	FulfillmentJobStateFailed FulfillmentJobState = "failed"
)

// FulfillmentJob is one outbox record appended by the webhook processor and
// drained asynchronously. Order persistence, invoice rendering and email
// delivery retry through it independently of the webhook response.
type FulfillmentJob struct {
	ID              string
	SessionID       string
	CustomerID      string
	PaymentIntentID string
	PaymentStatus   string
	State           FulfillmentJobState
	Attempts        int
	LastError       string
	RunAfter        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MonthlyOrderStat is one bucket of the orders-per-month aggregation.
type MonthlyOrderStat struct {
	Year  int
	Month time.Month
	Count int64
}

// MonthlyIncomeStat is one bucket of the income-per-month aggregation.
type MonthlyIncomeStat struct {
	Year  int
	Month time.Month
	Total int64
}

// WeekdayIncomeStat is one bucket of the trailing-week income aggregation.
type WeekdayIncomeStat struct {
	Weekday time.Weekday
	Total   int64
}

// Invoice carries the rendered artifacts for one order.
type Invoice struct {
	Number      string
	OrderID     string
	BuyerEmail  string
	Text        string
	PDFPath     string
	StoragePath string
	IssuedAt    time.Time
}
