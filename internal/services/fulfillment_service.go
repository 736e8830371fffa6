package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const (
	orderNumberPrefix  = "MB"
	orderNumberCounter = "orders"

	// EventOrderCreated is published once per persisted order.
	EventOrderCreated = "order.created"
)

// FulfillmentServiceDeps wires the session fulfillment pipeline.
type FulfillmentServiceDeps struct {
	Orders   repositories.OrderRepository
	Pending  repositories.PendingCheckoutRepository
	Counters repositories.CounterRepository
	Gateway  payments.Gateway
	Invoices *InvoiceIssuer
	Mailer   InvoiceMailer
	Events   OrderEventPublisher
	IDGen    func() string
	Now      func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

// SessionFulfillment reconciles one paid checkout session into a persisted
// order, renders and archives the invoice, and emails it to the buyer. Every
// step is idempotent so a retried job resumes where the previous attempt
// stopped: order creation dedupes on the payment intent, the invoice upload
// overwrites the same object, and the pending snapshot delete is a no-op on
// redelivery.
type SessionFulfillment struct {
	orders   repositories.OrderRepository
	pending  repositories.PendingCheckoutRepository
	counters repositories.CounterRepository
	gateway  payments.Gateway
	invoices *InvoiceIssuer
	mailer   InvoiceMailer
	events   OrderEventPublisher
	idgen    func() string
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewSessionFulfillment validates dependencies and constructs the service.
func NewSessionFulfillment(deps FulfillmentServiceDeps) (*SessionFulfillment, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment: order repository is required")
	}
	if deps.Pending == nil {
		return nil, errors.New("fulfillment: pending checkout repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("fulfillment: counter repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("fulfillment: gateway is required")
	}
	if deps.Invoices == nil {
		return nil, errors.New("fulfillment: invoice issuer is required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("fulfillment: mailer is required")
	}

	idgen := deps.IDGen
	if idgen == nil {
		idgen = func() string { return ulid.Make().String() }
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &SessionFulfillment{
		orders:   deps.Orders,
		pending:  deps.Pending,
		counters: deps.Counters,
		gateway:  deps.Gateway,
		invoices: deps.Invoices,
		mailer:   deps.Mailer,
		events:   deps.Events,
		idgen:    idgen,
		now:      func() time.Time { return now().UTC() },
		logger:   logger,
	}, nil
}

// FulfillSession processes one outbox job. Errors returned here put the job
// back on the queue with backoff; only notification failures are swallowed.
func (s *SessionFulfillment) FulfillSession(ctx context.Context, job FulfillmentJob) error {
	sessionID := strings.TrimSpace(job.SessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: job %s has no session id", ErrValidation, job.ID)
	}

	session, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reconcile session %s: %w", sessionID, err)
	}
	if session.PaymentStatus != payments.PaymentStatusPaid &&
		session.PaymentStatus != payments.PaymentStatusNoPaymentRequired {
		return fmt.Errorf("session %s is not paid (status %q)", sessionID, session.PaymentStatus)
	}

	order, created, err := s.ensureOrder(ctx, job, session)
	if err != nil {
		return err
	}
	if created {
		s.publish(ctx, OrderEventMessage{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			EventType:   EventOrderCreated,
			Status:      string(order.Status),
			Actor:       string(domain.OrderActorSystem),
			OccurredAt:  order.CreatedAt,
		})
	}

	// The cart snapshot has served its purpose once the order exists.
	if err := s.pending.Delete(ctx, sessionID); err != nil && !isNotFound(err) {
		s.logger(ctx, "fulfillment.pending_cleanup_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}

	if order.InvoicePath != "" {
		// A previous attempt already issued and mailed the invoice.
		return nil
	}

	invoice, pdf, err := s.invoices.Issue(ctx, order)
	if err != nil {
		return fmt.Errorf("issue invoice for order %s: %w", order.ID, err)
	}

	order.InvoicePath = invoice.StoragePath
	order.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("record invoice path for order %s: %w", order.ID, err)
	}

	// Delivery failures are logged and swallowed; they never fail the job.
	if err := s.mailer.SendInvoice(ctx, order, invoice, pdf); err != nil {
		s.logger(ctx, "fulfillment.invoice_email_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return nil
}

func (s *SessionFulfillment) ensureOrder(ctx context.Context, job FulfillmentJob, session payments.Session) (Order, bool, error) {
	paymentIntentID := strings.TrimSpace(session.PaymentIntentID)
	if paymentIntentID == "" {
		paymentIntentID = strings.TrimSpace(job.PaymentIntentID)
	}

	if paymentIntentID != "" {
		existing, err := s.orders.FindByPaymentIntent(ctx, paymentIntentID)
		if err == nil {
			return existing, false, nil
		}
		if !isNotFound(err) {
			return Order{}, false, fmt.Errorf("lookup payment intent %s: %w", paymentIntentID, err)
		}
	}

	checkout, err := s.pending.FindBySession(ctx, session.ID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, false, fmt.Errorf("no pending checkout for session %s", session.ID)
		}
		return Order{}, false, fmt.Errorf("load pending checkout %s: %w", session.ID, err)
	}

	now := s.now()
	number, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, false, err
	}

	order := Order{
		ID:              s.idgen(),
		OrderNumber:     number,
		UserID:          checkout.UserID,
		CustomerID:      firstNonEmpty(session.CustomerID, checkout.CustomerID),
		PaymentIntentID: paymentIntentID,
		SessionID:       session.ID,
		Currency:        checkout.Currency,
		LineItems:       orderLineItems(checkout.Items),
		Subtotal:        checkout.Totals.Price,
		Tax:             checkout.Totals.Tax,
		DeliveryCharge:  checkout.Totals.DeliveryCharge,
		Total:           checkout.Totals.GrandTotal(),
		Shipping:        shippingSnapshot(session.Shipping),
		Status:          domain.OrderStatusPending,
		PaymentStatus:   string(session.PaymentStatus),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if isConflict(err) && paymentIntentID != "" {
			// A concurrent delivery won the race; reuse its order.
			existing, findErr := s.orders.FindByPaymentIntent(ctx, paymentIntentID)
			if findErr == nil {
				return existing, false, nil
			}
			return Order{}, false, fmt.Errorf("resolve conflicting order for %s: %w", paymentIntentID, findErr)
		}
		return Order{}, false, fmt.Errorf("persist order for session %s: %w", session.ID, err)
	}

	s.logger(ctx, "fulfillment.order_created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"sessionId":   session.ID,
		"total":       order.Total,
	})
	return order, true, nil
}

func (s *SessionFulfillment) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return fmt.Sprintf("%s-%d-%06d", orderNumberPrefix, now.Year(), seq), nil
}

func (s *SessionFulfillment) publish(ctx context.Context, msg OrderEventMessage) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, msg); err != nil {
		s.logger(ctx, "fulfillment.event_publish_failed", map[string]any{
			"orderId":   msg.OrderID,
			"eventType": msg.EventType,
			"error":     err.Error(),
		})
	}
}

func orderLineItems(items []domain.CheckoutLineItem) []domain.OrderLineItem {
	out := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderLineItem{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			UnitPrice:      item.UnitAmount,
			Quantity:       item.Quantity,
			TaxRate:        item.TaxRate,
			DeliveryCharge: item.DeliveryCharge,
			ImageURL:       item.ImageURL,
		})
	}
	return out
}

func shippingSnapshot(details *payments.ShippingDetails) *domain.ShippingDetails {
	if details == nil {
		return nil
	}
	return &domain.ShippingDetails{
		Name:       details.Name,
		Line1:      details.Line1,
		Line2:      details.Line2,
		City:       details.City,
		State:      details.State,
		PostalCode: details.PostalCode,
		Country:    details.Country,
		Phone:      details.Phone,
		Email:      details.Email,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ FulfillmentService = (*SessionFulfillment)(nil)
