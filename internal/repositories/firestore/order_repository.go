package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/meraki-bazaar/api/internal/domain"
	pfirestore "github.com/meraki-bazaar/api/internal/platform/firestore"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	paymentIndexCollection = "order_payment_index"
)

type orderLineItemDocument struct {
	ProductID      string  `firestore:"productId"`
	Name           string  `firestore:"name"`
	Description    string  `firestore:"description,omitempty"`
	UnitPrice      int64   `firestore:"unitPrice"`
	Quantity       int64   `firestore:"quantity"`
	TaxRate        float64 `firestore:"taxRate"`
	DeliveryCharge int64   `firestore:"deliveryCharge"`
	ImageURL       string  `firestore:"imageUrl,omitempty"`
}

type orderShippingDocument struct {
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
	Email      string `firestore:"email,omitempty"`
}

type orderStatusEventDocument struct {
	From       string    `firestore:"from"`
	To         string    `firestore:"to"`
	Actor      string    `firestore:"actor"`
	OccurredAt time.Time `firestore:"occurredAt"`
}

type orderDocument struct {
	OrderNumber     string                     `firestore:"orderNumber"`
	UserID          string                     `firestore:"userId"`
	CustomerID      string                     `firestore:"customerId,omitempty"`
	PaymentIntentID string                     `firestore:"paymentIntentId,omitempty"`
	SessionID       string                     `firestore:"sessionId,omitempty"`
	Currency        string                     `firestore:"currency"`
	LineItems       []orderLineItemDocument    `firestore:"products"`
	Subtotal        int64                      `firestore:"subtotal"`
	Tax             int64                      `firestore:"tax"`
	DeliveryCharge  int64                      `firestore:"deliveryCharge"`
	Total           int64                      `firestore:"total"`
	Shipping        *orderShippingDocument     `firestore:"shipping,omitempty"`
	Status          string                     `firestore:"deliveryStatus"`
	PaymentStatus   string                     `firestore:"paymentStatus,omitempty"`
	InvoicePath     string                     `firestore:"invoicePath,omitempty"`
	Events          []orderStatusEventDocument `firestore:"events,omitempty"`
	CreatedAt       time.Time                  `firestore:"createdAt"`
	UpdatedAt       time.Time                  `firestore:"updatedAt"`
}

type paymentIndexDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
// Payment-intent uniqueness is enforced through a companion index collection
// written in the same transaction as the order document.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	payments *pfirestore.BaseRepository[paymentIndexDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		payments: pfirestore.NewBaseRepository[paymentIndexDocument](provider, paymentIndexCollection, nil, nil),
	}, nil
}

// Insert writes a new order. A second insert carrying an already indexed
// payment intent fails with a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	doc := encodeOrder(order)

	paymentIntentID := strings.TrimSpace(order.PaymentIntentID)
	if paymentIntentID == "" {
		_, err := r.orders.Create(ctx, orderID, doc)
		return err
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		indexRef, err := r.payments.DocumentRef(ctx, paymentIntentID)
		if err != nil {
			return err
		}
		if err := tx.Create(indexRef, paymentIndexDocument{OrderID: orderID, CreatedAt: doc.CreatedAt}); err != nil {
			return err
		}
		return tx.Create(orderRef, doc)
	})
}

// Update rewrites the mutable order fields.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.orders.Set(ctx, orderID, encodeOrder(order))
	return err
}

// FindByID loads a single order by document id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, pfirestore.WrapError("orders.get", status.Error(codes.NotFound, "order id is required"))
	}
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindByPaymentIntent resolves an order through the payment index.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	if r == nil || r.payments == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	pid := strings.TrimSpace(paymentIntentID)
	if pid == "" {
		return domain.Order{}, pfirestore.WrapError("orders.payment_index", status.Error(codes.NotFound, "payment intent id is required"))
	}
	index, err := r.payments.Get(ctx, pid)
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, index.Data.OrderID)
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Statuses) > 0 {
			statuses := make([]string, 0, len(filter.Statuses))
			for _, s := range filter.Statuses {
				statuses = append(statuses, string(s))
			}
			q = q.Where("deliveryStatus", "in", statuses)
		}
		if filter.CreatedAfter != nil {
			q = q.Where("createdAt", ">=", filter.CreatedAfter.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(filter.StartAfter) > 0 {
			q = q.StartAfter(filter.StartAfter...)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

// CountByMonth buckets order counts per calendar month since the given time.
func (r *OrderRepository) CountByMonth(ctx context.Context, since time.Time) ([]domain.MonthlyOrderStat, error) {
	orders, err := r.listSince(ctx, since)
	if err != nil {
		return nil, err
	}

	type bucket struct{ year, month int }
	counts := map[bucket]int64{}
	for _, order := range orders {
		created := order.CreatedAt.UTC()
		counts[bucket{created.Year(), int(created.Month())}]++
	}

	stats := make([]domain.MonthlyOrderStat, 0, len(counts))
	for key, count := range counts {
		stats = append(stats, domain.MonthlyOrderStat{Year: key.year, Month: time.Month(key.month), Count: count})
	}
	sortMonthlyOrderStats(stats)
	return stats, nil
}

// IncomeByMonth buckets order totals per calendar month since the given time.
func (r *OrderRepository) IncomeByMonth(ctx context.Context, since time.Time) ([]domain.MonthlyIncomeStat, error) {
	orders, err := r.listSince(ctx, since)
	if err != nil {
		return nil, err
	}

	type bucket struct{ year, month int }
	totals := map[bucket]int64{}
	for _, order := range orders {
		created := order.CreatedAt.UTC()
		totals[bucket{created.Year(), int(created.Month())}] += order.Total
	}

	stats := make([]domain.MonthlyIncomeStat, 0, len(totals))
	for key, total := range totals {
		stats = append(stats, domain.MonthlyIncomeStat{Year: key.year, Month: time.Month(key.month), Total: total})
	}
	sortMonthlyIncomeStats(stats)
	return stats, nil
}

// IncomeByWeekday buckets order totals per day of week since the given time.
func (r *OrderRepository) IncomeByWeekday(ctx context.Context, since time.Time) ([]domain.WeekdayIncomeStat, error) {
	orders, err := r.listSince(ctx, since)
	if err != nil {
		return nil, err
	}

	totals := map[time.Weekday]int64{}
	for _, order := range orders {
		totals[order.CreatedAt.UTC().Weekday()] += order.Total
	}

	stats := make([]domain.WeekdayIncomeStat, 0, len(totals))
	for day := time.Sunday; day <= time.Saturday; day++ {
		total, ok := totals[day]
		if !ok {
			continue
		}
		stats = append(stats, domain.WeekdayIncomeStat{Weekday: day, Total: total})
	}
	return stats, nil
}

func (r *OrderRepository) listSince(ctx context.Context, since time.Time) ([]domain.Order, error) {
	after := since.UTC()
	return r.List(ctx, repositories.OrderListFilter{CreatedAfter: &after})
}

func sortMonthlyOrderStats(stats []domain.MonthlyOrderStat) {
	sort.Slice(stats, func(i, j int) bool {
		return monthKey(stats[i].Year, stats[i].Month) < monthKey(stats[j].Year, stats[j].Month)
	})
}

func sortMonthlyIncomeStats(stats []domain.MonthlyIncomeStat) {
	sort.Slice(stats, func(i, j int) bool {
		return monthKey(stats[i].Year, stats[i].Month) < monthKey(stats[j].Year, stats[j].Month)
	})
}

func monthKey(year int, month time.Month) int {
	return year*100 + int(month)
}

func encodeOrder(order domain.Order) orderDocument {
	now := time.Now().UTC()
	createdAt := order.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := order.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = now
	}

	doc := orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		CustomerID:      strings.TrimSpace(order.CustomerID),
		PaymentIntentID: strings.TrimSpace(order.PaymentIntentID),
		SessionID:       strings.TrimSpace(order.SessionID),
		Currency:        strings.ToLower(strings.TrimSpace(order.Currency)),
		Subtotal:        order.Subtotal,
		Tax:             order.Tax,
		DeliveryCharge:  order.DeliveryCharge,
		Total:           order.Total,
		Status:          string(order.Status),
		PaymentStatus:   strings.TrimSpace(order.PaymentStatus),
		InvoicePath:     strings.TrimSpace(order.InvoicePath),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}

	doc.LineItems = make([]orderLineItemDocument, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		doc.LineItems = append(doc.LineItems, orderLineItemDocument{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			UnitPrice:      item.UnitPrice,
			Quantity:       item.Quantity,
			TaxRate:        item.TaxRate,
			DeliveryCharge: item.DeliveryCharge,
			ImageURL:       item.ImageURL,
		})
	}

	if order.Shipping != nil {
		doc.Shipping = &orderShippingDocument{
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

	for _, event := range order.Events {
		doc.Events = append(doc.Events, orderStatusEventDocument{
			From:       string(event.From),
			To:         string(event.To),
			Actor:      string(event.Actor),
			OccurredAt: event.OccurredAt.UTC(),
		})
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:              id,
		OrderNumber:     doc.OrderNumber,
		UserID:          doc.UserID,
		CustomerID:      doc.CustomerID,
		PaymentIntentID: doc.PaymentIntentID,
		SessionID:       doc.SessionID,
		Currency:        doc.Currency,
		Subtotal:        doc.Subtotal,
		Tax:             doc.Tax,
		DeliveryCharge:  doc.DeliveryCharge,
		Total:           doc.Total,
		Status:          domain.OrderStatus(doc.Status),
		PaymentStatus:   doc.PaymentStatus,
		InvoicePath:     doc.InvoicePath,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}

	order.LineItems = make([]domain.OrderLineItem, 0, len(doc.LineItems))
	for _, item := range doc.LineItems {
		order.LineItems = append(order.LineItems, domain.OrderLineItem{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			UnitPrice:      item.UnitPrice,
			Quantity:       item.Quantity,
			TaxRate:        item.TaxRate,
			DeliveryCharge: item.DeliveryCharge,
			ImageURL:       item.ImageURL,
		})
	}

	if doc.Shipping != nil {
		order.Shipping = &domain.ShippingDetails{
			Name:       doc.Shipping.Name,
			Line1:      doc.Shipping.Line1,
			Line2:      doc.Shipping.Line2,
			City:       doc.Shipping.City,
			State:      doc.Shipping.State,
			PostalCode: doc.Shipping.PostalCode,
			Country:    doc.Shipping.Country,
			Phone:      doc.Shipping.Phone,
			Email:      doc.Shipping.Email,
		}
	}

	for _, event := range doc.Events {
		order.Events = append(order.Events, domain.OrderStatusEvent{
			From:       domain.OrderStatus(event.From),
			To:         domain.OrderStatus(event.To),
			Actor:      domain.OrderActor(event.Actor),
			OccurredAt: event.OccurredAt,
		})
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
