package payments

import (
	"context"
	"errors"
	"time"
)

// PaymentStatus enumerates the normalised payment states reported by the gateway.
type PaymentStatus string

const (
	// PaymentStatusUnpaid indicates the session has not been paid yet.
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	// PaymentStatusPaid indicates the gateway captured the payment.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusNoPaymentRequired covers zero-amount sessions.
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrSessionNotFound is returned when the gateway does not know the session id.
	ErrSessionNotFound = errors.New("payments: checkout session not found")
)

// CustomerParams identifies the shopper for gateway customer creation.
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// Customer is the gateway-side customer record.
type Customer struct {
	ID    string
	Email string
	Name  string
}

// PriceParams describe a single cart line priced on the gateway.
// UnitAmount is the tax-inclusive amount in minor currency units.
type PriceParams struct {
	ProductName string
	Description string
	UnitAmount  int64
	Currency    string
	ImageURL    string
	Metadata    map[string]string
}

// Price is the gateway-side price handle used to build a session.
type Price struct {
	ID         string
	UnitAmount int64
	Currency   string
}

// SessionItem pairs a created price with its quantity.
type SessionItem struct {
	PriceID  string
	Quantity int64
}

// ShippingOption is the single delivery rate offered on the hosted page.
// A zero Amount renders as free shipping; the delivery estimate is fixed
// at five to seven business days either way.
type ShippingOption struct {
	Label    string
	Amount   int64
	Currency string
}

// SessionParams capture the payload required to create a checkout session.
type SessionParams struct {
	CustomerID       string
	Items            []SessionItem
	SuccessURL       string
	CancelURL        string
	AllowedCountries []string
	CollectPhone     bool
	Shipping         *ShippingOption
	Metadata         map[string]string
	ExpiresAt        time.Time
	IdempotencyKey   string
}

// ShippingDetails mirror the address the shopper entered on the hosted page.
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

// Session represents a gateway checkout session.
type Session struct {
	ID              string
	URL             string
	CustomerID      string
	PaymentIntentID string
	PaymentStatus   PaymentStatus
	Status          string
	AmountTotal     int64
	Currency        string
	ExpiresAt       time.Time
	Shipping        *ShippingDetails
	Metadata        map[string]string
}

// WebhookEvent is a verified gateway notification. Session is populated for
// checkout.session.* event types.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Session *Session
}

// Gateway defines the contract for the payment service provider adapter.
type Gateway interface {
	EnsureCustomer(ctx context.Context, params CustomerParams) (Customer, error)
	CreatePrice(ctx context.Context, params PriceParams) (Price, error)
	CreateCheckoutSession(ctx context.Context, params SessionParams) (Session, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (Session, error)
	VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}
