package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meraki-bazaar/api/internal/domain"
	pfirestore "github.com/meraki-bazaar/api/internal/platform/firestore"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const pendingCheckoutCollection = "pending_checkouts"

type pendingCheckoutItemDocument struct {
	ProductID      string  `firestore:"productId"`
	Name           string  `firestore:"name"`
	Description    string  `firestore:"description,omitempty"`
	UnitAmount     int64   `firestore:"unitAmount"`
	UnitAmountTax  int64   `firestore:"unitAmountTax"`
	Quantity       int64   `firestore:"quantity"`
	TaxRate        float64 `firestore:"taxRate"`
	DeliveryCharge int64   `firestore:"deliveryCharge"`
	ImageURL       string  `firestore:"imageUrl,omitempty"`
}

type pendingCheckoutDocument struct {
	UserID         string                        `firestore:"userId"`
	CustomerID     string                        `firestore:"customerId,omitempty"`
	Currency       string                        `firestore:"currency"`
	Items          []pendingCheckoutItemDocument `firestore:"items"`
	Price          int64                         `firestore:"price"`
	Tax            int64                         `firestore:"tax"`
	DeliveryCharge int64                         `firestore:"deliveryCharge"`
	CreatedAt      time.Time                     `firestore:"createdAt"`
	ExpiresAt      time.Time                     `firestore:"expiresAt"`
}

// PendingCheckoutRepository stores the short-lived cart snapshot for one
// checkout attempt, keyed by the gateway session id.
type PendingCheckoutRepository struct {
	base *pfirestore.BaseRepository[pendingCheckoutDocument]
}

// NewPendingCheckoutRepository constructs a Firestore-backed pending checkout repository.
func NewPendingCheckoutRepository(provider *pfirestore.Provider) (*PendingCheckoutRepository, error) {
	if provider == nil {
		return nil, errors.New("pending checkout repository requires firestore provider")
	}
	return &PendingCheckoutRepository{
		base: pfirestore.NewBaseRepository[pendingCheckoutDocument](provider, pendingCheckoutCollection, nil, nil),
	}, nil
}

// Put writes the snapshot keyed by session id, replacing any previous attempt.
func (r *PendingCheckoutRepository) Put(ctx context.Context, checkout domain.PendingCheckout) error {
	if r == nil || r.base == nil {
		return errors.New("pending checkout repository not initialised")
	}
	sessionID := strings.TrimSpace(checkout.SessionID)
	if sessionID == "" {
		return errors.New("pending checkout repository: session id is required")
	}

	doc := pendingCheckoutDocument{
		UserID:         strings.TrimSpace(checkout.UserID),
		CustomerID:     strings.TrimSpace(checkout.CustomerID),
		Currency:       strings.ToLower(strings.TrimSpace(checkout.Currency)),
		Price:          checkout.Totals.Price,
		Tax:            checkout.Totals.Tax,
		DeliveryCharge: checkout.Totals.DeliveryCharge,
		CreatedAt:      checkout.CreatedAt.UTC(),
		ExpiresAt:      checkout.ExpiresAt.UTC(),
	}
	doc.Items = make([]pendingCheckoutItemDocument, 0, len(checkout.Items))
	for _, item := range checkout.Items {
		doc.Items = append(doc.Items, pendingCheckoutItemDocument{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			UnitAmount:     item.UnitAmount,
			UnitAmountTax:  item.UnitAmountTax,
			Quantity:       item.Quantity,
			TaxRate:        item.TaxRate,
			DeliveryCharge: item.DeliveryCharge,
			ImageURL:       item.ImageURL,
		})
	}

	_, err := r.base.Set(ctx, sessionID, doc)
	return err
}

// FindBySession loads the snapshot for the given session id.
func (r *PendingCheckoutRepository) FindBySession(ctx context.Context, sessionID string) (domain.PendingCheckout, error) {
	if r == nil || r.base == nil {
		return domain.PendingCheckout{}, errors.New("pending checkout repository not initialised")
	}

	doc, err := r.base.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return domain.PendingCheckout{}, err
	}

	checkout := domain.PendingCheckout{
		SessionID:  doc.ID,
		UserID:     doc.Data.UserID,
		CustomerID: doc.Data.CustomerID,
		Currency:   doc.Data.Currency,
		Totals: domain.CheckoutTotals{
			Price:          doc.Data.Price,
			Tax:            doc.Data.Tax,
			DeliveryCharge: doc.Data.DeliveryCharge,
		},
		CreatedAt: doc.Data.CreatedAt,
		ExpiresAt: doc.Data.ExpiresAt,
	}
	checkout.Items = make([]domain.CheckoutLineItem, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		checkout.Items = append(checkout.Items, domain.CheckoutLineItem{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			UnitAmount:     item.UnitAmount,
			UnitAmountTax:  item.UnitAmountTax,
			Quantity:       item.Quantity,
			TaxRate:        item.TaxRate,
			DeliveryCharge: item.DeliveryCharge,
			ImageURL:       item.ImageURL,
		})
	}
	return checkout, nil
}

// Delete removes the snapshot once fulfillment consumed it.
func (r *PendingCheckoutRepository) Delete(ctx context.Context, sessionID string) error {
	if r == nil || r.base == nil {
		return errors.New("pending checkout repository not initialised")
	}
	return r.base.Delete(ctx, strings.TrimSpace(sessionID))
}

// DeleteExpired removes snapshots whose expiry has passed and reports how many went away.
func (r *PendingCheckoutRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("pending checkout repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now.UTC())
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, doc := range docs {
		if err := r.base.Delete(ctx, doc.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

var _ repositories.PendingCheckoutRepository = (*PendingCheckoutRepository)(nil)
