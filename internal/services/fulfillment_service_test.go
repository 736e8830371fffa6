package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/invoicing"
	"github.com/meraki-bazaar/api/internal/mail"
	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/repositories"
)

type stubOrderRepo struct {
	mu           sync.Mutex
	orders       map[string]domain.Order
	paymentIndex map[string]string
	insertFunc   func(ctx context.Context, order domain.Order) error
	updateFunc   func(ctx context.Context, order domain.Order) error
}

func newStubOrderRepo() *stubOrderRepo {
	return &stubOrderRepo{orders: map[string]domain.Order{}, paymentIndex: map[string]string{}}
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, order)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.PaymentIntentID != "" {
		if _, exists := s.paymentIndex[order.PaymentIntentID]; exists {
			return errConflictStub{}
		}
	}
	if _, exists := s.orders[order.ID]; exists {
		return errConflictStub{}
	}
	s.orders[order.ID] = order
	if order.PaymentIntentID != "" {
		s.paymentIndex[order.PaymentIntentID] = order.ID
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, order)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFoundStub{}
	}
	return order, nil
}

func (s *stubOrderRepo) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.paymentIndex[paymentIntentID]
	if !ok {
		return domain.Order{}, errNotFoundStub{}
	}
	return s.orders[orderID], nil
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.CreatedAfter != nil && order.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		out = append(out, order)
	}
	// Newest first, doc id as tiebreaker, mirroring the store ordering.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) ||
				(out[j].CreatedAt.Equal(out[i].CreatedAt) && out[j].ID > out[i].ID) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(filter.StartAfter) == 2 {
		cursorTime, _ := filter.StartAfter[0].(time.Time)
		cursorID, _ := filter.StartAfter[1].(string)
		var trimmed []domain.Order
		for _, order := range out {
			if order.CreatedAt.After(cursorTime) ||
				(order.CreatedAt.Equal(cursorTime) && order.ID >= cursorID) {
				continue
			}
			trimmed = append(trimmed, order)
		}
		out = trimmed
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *stubOrderRepo) CountByMonth(ctx context.Context, since time.Time) ([]domain.MonthlyOrderStat, error) {
	orders, _ := s.List(ctx, repositories.OrderListFilter{CreatedAfter: &since})
	counts := map[int]int64{}
	for _, order := range orders {
		counts[order.CreatedAt.Year()*100+int(order.CreatedAt.Month())]++
	}
	var stats []domain.MonthlyOrderStat
	for key, count := range counts {
		stats = append(stats, domain.MonthlyOrderStat{Year: key / 100, Month: time.Month(key % 100), Count: count})
	}
	return stats, nil
}

func (s *stubOrderRepo) IncomeByMonth(ctx context.Context, since time.Time) ([]domain.MonthlyIncomeStat, error) {
	orders, _ := s.List(ctx, repositories.OrderListFilter{CreatedAfter: &since})
	totals := map[int]int64{}
	for _, order := range orders {
		totals[order.CreatedAt.Year()*100+int(order.CreatedAt.Month())] += order.Total
	}
	var stats []domain.MonthlyIncomeStat
	for key, total := range totals {
		stats = append(stats, domain.MonthlyIncomeStat{Year: key / 100, Month: time.Month(key % 100), Total: total})
	}
	return stats, nil
}

func (s *stubOrderRepo) IncomeByWeekday(ctx context.Context, since time.Time) ([]domain.WeekdayIncomeStat, error) {
	orders, _ := s.List(ctx, repositories.OrderListFilter{CreatedAfter: &since})
	totals := map[time.Weekday]int64{}
	for _, order := range orders {
		totals[order.CreatedAt.Weekday()] += order.Total
	}
	var stats []domain.WeekdayIncomeStat
	for day := time.Sunday; day <= time.Saturday; day++ {
		if total, ok := totals[day]; ok {
			stats = append(stats, domain.WeekdayIncomeStat{Weekday: day, Total: total})
		}
	}
	return stats, nil
}

type stubCounterRepo struct {
	mu     sync.Mutex
	values map[string]int64
}

func newStubCounterRepo() *stubCounterRepo {
	return &stubCounterRepo{values: map[string]int64{}}
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[counterID] += step
	return s.values[counterID], nil
}

type stubArchive struct {
	mu      sync.Mutex
	putFunc func(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
	objects map[string][]byte
}

func newStubArchive() *stubArchive {
	return &stubArchive{objects: map[string][]byte{}}
}

func (s *stubArchive) Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	if s.putFunc != nil {
		return s.putFunc(ctx, objectPath, contentType, data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectPath] = data
	return objectPath, nil
}

func (s *stubArchive) Bucket() string { return "invoices-test" }

type stubMailer struct {
	mu       sync.Mutex
	sendFunc func(ctx context.Context, order Order, invoice domain.Invoice, pdf []byte) error
	sent     []domain.Invoice
}

func (s *stubMailer) SendInvoice(ctx context.Context, order Order, invoice domain.Invoice, pdf []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, invoice)
	s.mu.Unlock()
	if s.sendFunc != nil {
		return s.sendFunc(ctx, order, invoice, pdf)
	}
	return nil
}

type stubPublisher struct {
	mu          sync.Mutex
	publishFunc func(ctx context.Context, msg OrderEventMessage) error
	published   []OrderEventMessage
}

func (s *stubPublisher) PublishOrderEvent(ctx context.Context, msg OrderEventMessage) error {
	s.mu.Lock()
	s.published = append(s.published, msg)
	s.mu.Unlock()
	if s.publishFunc != nil {
		return s.publishFunc(ctx, msg)
	}
	return nil
}

type fulfillmentFixture struct {
	svc     *SessionFulfillment
	orders  *stubOrderRepo
	pending *stubPendingRepo
	gateway *stubGateway
	archive *stubArchive
	mailer  *stubMailer
	events  *stubPublisher
}

func paidSession(sessionID string) payments.Session {
	return payments.Session{
		ID:              sessionID,
		CustomerID:      "cus_9",
		PaymentIntentID: "pi_42",
		PaymentStatus:   payments.PaymentStatusPaid,
		Status:          "complete",
		Shipping: &payments.ShippingDetails{
			Name:       "Asha Rao",
			Line1:      "12 Lake Road",
			City:       "Bengaluru",
			PostalCode: "560001",
			Country:    "IN",
			Email:      "asha@example.com",
		},
	}
}

func pendingSnapshot(sessionID string) domain.PendingCheckout {
	return domain.PendingCheckout{
		SessionID:  sessionID,
		UserID:     "user-7",
		CustomerID: "cus_9",
		Currency:   "inr",
		Items: []domain.CheckoutLineItem{
			{ProductID: "p1", Name: "Handloom Cushion", UnitAmount: 100000, UnitAmountTax: 18000, Quantity: 2, TaxRate: 18, DeliveryCharge: 5000, ImageURL: "https://cdn.example.com/c.jpg"},
		},
		Totals:    domain.CheckoutTotals{Price: 200000, Tax: 36000, DeliveryCharge: 10000},
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newFulfillmentFixture(t *testing.T) *fulfillmentFixture {
	t.Helper()

	fx := &fulfillmentFixture{
		orders:  newStubOrderRepo(),
		pending: newStubPendingRepo(),
		gateway: &stubGateway{},
		archive: newStubArchive(),
		mailer:  &stubMailer{},
		events:  &stubPublisher{},
	}
	fx.gateway.getSessionFunc = func(ctx context.Context, sessionID string) (payments.Session, error) {
		return paidSession(sessionID), nil
	}

	issuer, err := NewInvoiceIssuer(InvoiceServiceDeps{
		Generator: invoicing.NewGenerator(),
		Archive:   fx.archive,
		Now:       func() time.Time { return time.Date(2024, 3, 1, 10, 35, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewInvoiceIssuer: %v", err)
	}

	ids := 0
	svc, err := NewSessionFulfillment(FulfillmentServiceDeps{
		Orders:   fx.orders,
		Pending:  fx.pending,
		Counters: newStubCounterRepo(),
		Gateway:  fx.gateway,
		Invoices: issuer,
		Mailer:   fx.mailer,
		Events:   fx.events,
		IDGen: func() string {
			ids++
			return "ord_" + strings.Repeat("0", 3) + string(rune('0'+ids))
		},
		Now: func() time.Time { return time.Date(2024, 3, 1, 10, 35, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewSessionFulfillment: %v", err)
	}
	fx.svc = svc
	return fx
}

func TestFulfillSessionCreatesOrderWithInvoice(t *testing.T) {
	fx := newFulfillmentFixture(t)
	if err := fx.pending.Put(context.Background(), pendingSnapshot("cs_1")); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	job := domain.FulfillmentJob{ID: "cs_1", SessionID: "cs_1", PaymentIntentID: "pi_42"}
	if err := fx.svc.FulfillSession(context.Background(), job); err != nil {
		t.Fatalf("FulfillSession returned error: %v", err)
	}

	if len(fx.orders.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(fx.orders.orders))
	}
	var order domain.Order
	for _, o := range fx.orders.orders {
		order = o
	}

	if order.OrderNumber != "MB-2024-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != "paid" {
		t.Fatalf("unexpected statuses %+v", order)
	}
	if order.Subtotal != 200000 || order.Tax != 36000 || order.DeliveryCharge != 10000 || order.Total != 246000 {
		t.Fatalf("unexpected totals %+v", order)
	}
	if order.Total != order.Subtotal+order.Tax+order.DeliveryCharge {
		t.Fatalf("total invariant broken %+v", order)
	}

	// Line items are a frozen snapshot of the cart.
	if len(order.LineItems) != 1 {
		t.Fatalf("expected one line item, got %d", len(order.LineItems))
	}
	item := order.LineItems[0]
	if item.ProductID != "p1" || item.UnitPrice != 100000 || item.Quantity != 2 ||
		item.TaxRate != 18 || item.DeliveryCharge != 5000 || item.ImageURL != "https://cdn.example.com/c.jpg" {
		t.Fatalf("line item snapshot mismatch %+v", item)
	}

	if order.Shipping == nil || order.Shipping.City != "Bengaluru" || order.Shipping.Email != "asha@example.com" {
		t.Fatalf("unexpected shipping snapshot %+v", order.Shipping)
	}

	if order.InvoicePath == "" {
		t.Fatal("expected invoice path recorded on order")
	}
	if _, ok := fx.archive.objects[order.InvoicePath]; !ok {
		t.Fatalf("expected archived pdf at %q", order.InvoicePath)
	}

	if len(fx.mailer.sent) != 1 || fx.mailer.sent[0].BuyerEmail != "asha@example.com" {
		t.Fatalf("expected one invoice email, got %+v", fx.mailer.sent)
	}
	if len(fx.events.published) != 1 || fx.events.published[0].EventType != EventOrderCreated {
		t.Fatalf("expected order.created event, got %+v", fx.events.published)
	}
	if len(fx.pending.deleted) != 1 || fx.pending.deleted[0] != "cs_1" {
		t.Fatalf("expected pending snapshot cleanup, got %v", fx.pending.deleted)
	}
}

func TestFulfillSessionIsIdempotentAcrossRetries(t *testing.T) {
	fx := newFulfillmentFixture(t)
	if err := fx.pending.Put(context.Background(), pendingSnapshot("cs_1")); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	job := domain.FulfillmentJob{ID: "cs_1", SessionID: "cs_1", PaymentIntentID: "pi_42"}
	if err := fx.svc.FulfillSession(context.Background(), job); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := fx.svc.FulfillSession(context.Background(), job); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(fx.orders.orders) != 1 {
		t.Fatalf("expected exactly one order after redelivery, got %d", len(fx.orders.orders))
	}
	if len(fx.mailer.sent) != 1 {
		t.Fatalf("expected exactly one invoice email, got %d", len(fx.mailer.sent))
	}
	if len(fx.events.published) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(fx.events.published))
	}
}

func TestFulfillSessionReusesOrderOnInsertRace(t *testing.T) {
	fx := newFulfillmentFixture(t)
	if err := fx.pending.Put(context.Background(), pendingSnapshot("cs_1")); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	// Simulate a concurrent worker winning the insert between our lookup
	// and our write.
	raced := false
	fx.orders.insertFunc = func(ctx context.Context, order domain.Order) error {
		if !raced {
			raced = true
			winner := order
			winner.ID = "ord_winner"
			winner.InvoicePath = "orders/ord_winner/invoices/MB-2024-000009.pdf"
			fx.orders.mu.Lock()
			fx.orders.orders[winner.ID] = winner
			fx.orders.paymentIndex[winner.PaymentIntentID] = winner.ID
			fx.orders.mu.Unlock()
			return errConflictStub{}
		}
		return nil
	}

	job := domain.FulfillmentJob{ID: "cs_1", SessionID: "cs_1", PaymentIntentID: "pi_42"}
	if err := fx.svc.FulfillSession(context.Background(), job); err != nil {
		t.Fatalf("FulfillSession returned error: %v", err)
	}

	if len(fx.orders.orders) != 1 {
		t.Fatalf("expected single order after race, got %d", len(fx.orders.orders))
	}
	if len(fx.mailer.sent) != 0 {
		t.Fatalf("winner already invoiced; no email expected, got %d", len(fx.mailer.sent))
	}
}

func TestFulfillSessionRejectsUnpaidSession(t *testing.T) {
	fx := newFulfillmentFixture(t)
	fx.gateway.getSessionFunc = func(ctx context.Context, sessionID string) (payments.Session, error) {
		session := paidSession(sessionID)
		session.PaymentStatus = payments.PaymentStatusUnpaid
		return session, nil
	}

	err := fx.svc.FulfillSession(context.Background(), domain.FulfillmentJob{ID: "cs_1", SessionID: "cs_1"})
	if err == nil || !strings.Contains(err.Error(), "not paid") {
		t.Fatalf("expected unpaid error, got %v", err)
	}
	if len(fx.orders.orders) != 0 {
		t.Fatal("no order may be created for an unpaid session")
	}
}

func TestFulfillSessionFailsWithoutPendingCheckout(t *testing.T) {
	fx := newFulfillmentFixture(t)

	err := fx.svc.FulfillSession(context.Background(), domain.FulfillmentJob{ID: "cs_9", SessionID: "cs_9"})
	if err == nil || !strings.Contains(err.Error(), "no pending checkout") {
		t.Fatalf("expected missing snapshot error, got %v", err)
	}
}

func TestFulfillSessionSwallowsEmailFailure(t *testing.T) {
	fx := newFulfillmentFixture(t)
	if err := fx.pending.Put(context.Background(), pendingSnapshot("cs_1")); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	fx.mailer.sendFunc = func(ctx context.Context, order Order, invoice domain.Invoice, pdf []byte) error {
		return errors.New("smtp down")
	}

	job := domain.FulfillmentJob{ID: "cs_1", SessionID: "cs_1", PaymentIntentID: "pi_42"}
	if err := fx.svc.FulfillSession(context.Background(), job); err != nil {
		t.Fatalf("email failure must not fail the job, got %v", err)
	}

	var order domain.Order
	for _, o := range fx.orders.orders {
		order = o
	}
	if order.InvoicePath == "" {
		t.Fatal("invoice must be archived even when email fails")
	}
}

var _ MessageSender = (*mail.Sender)(nil)
