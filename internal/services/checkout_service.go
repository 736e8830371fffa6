package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/platform/textutil"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const defaultPriceAttempts = 3

// CheckoutConfig carries the storefront-facing checkout settings.
type CheckoutConfig struct {
	Currency         string
	SuccessURL       string
	CancelURL        string
	AllowedCountries []string
	SessionTTL       time.Duration
	// PriceConcurrency bounds the gateway price fan-out for one cart.
	PriceConcurrency int
	GatewayTimeout   time.Duration
}

// CheckoutServiceDeps wires the checkout session builder.
type CheckoutServiceDeps struct {
	Gateway payments.Gateway
	Pending repositories.PendingCheckoutRepository
	Pricing *PricingEngine
	Config  CheckoutConfig
	IDGen   func() string
	Now     func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// DefaultCheckoutService builds gateway checkout sessions from client carts.
// The cart snapshot is persisted server-side, keyed by session id, so the
// webhook can reconstruct the order without trusting gateway metadata.
type DefaultCheckoutService struct {
	gateway payments.Gateway
	pending repositories.PendingCheckoutRepository
	pricing *PricingEngine
	cfg     CheckoutConfig
	idgen   func() string
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCheckoutService validates dependencies and constructs the service.
func NewCheckoutService(deps CheckoutServiceDeps) (*DefaultCheckoutService, error) {
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: gateway is required")
	}
	if deps.Pending == nil {
		return nil, errors.New("checkout service: pending checkout repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing engine is required")
	}
	cfg := deps.Config
	if strings.TrimSpace(cfg.SuccessURL) == "" || strings.TrimSpace(cfg.CancelURL) == "" {
		return nil, errors.New("checkout service: redirect urls are required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "inr"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	if cfg.PriceConcurrency <= 0 {
		cfg.PriceConcurrency = 4
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

	return &DefaultCheckoutService{
		gateway: deps.Gateway,
		pending: deps.Pending,
		pricing: deps.Pricing,
		cfg:     cfg,
		idgen:   idgen,
		now:     func() time.Time { return now().UTC() },
		logger:  logger,
	}, nil
}

// CreateSession prices the cart, registers gateway prices, opens a hosted
// checkout session, and records the pending checkout snapshot.
func (s *DefaultCheckoutService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (CheckoutSessionResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutSessionResult{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	items, err := s.pricing.NormalizeItems(cmd.Items)
	if err != nil {
		return CheckoutSessionResult{}, err
	}
	totals := s.pricing.TotalsOf(items)

	if s.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
	}

	customer, err := s.gateway.EnsureCustomer(ctx, payments.CustomerParams{
		UserID: userID,
		Email:  strings.TrimSpace(cmd.Email),
		Name:   strings.TrimSpace(cmd.Name),
	})
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: customer: %v", ErrGateway, err)
	}

	prices, err := s.createPrices(ctx, items)
	if err != nil {
		return CheckoutSessionResult{}, err
	}

	sessionItems := make([]payments.SessionItem, len(items))
	for i, item := range items {
		sessionItems[i] = payments.SessionItem{PriceID: prices[i].ID, Quantity: item.Quantity}
	}

	now := s.now()
	session, err := s.gateway.CreateCheckoutSession(ctx, payments.SessionParams{
		CustomerID:       customer.ID,
		Items:            sessionItems,
		SuccessURL:       s.cfg.SuccessURL,
		CancelURL:        s.cfg.CancelURL,
		AllowedCountries: s.cfg.AllowedCountries,
		CollectPhone:     true,
		Shipping: &payments.ShippingOption{
			Amount:   totals.DeliveryCharge,
			Currency: s.cfg.Currency,
		},
		Metadata:       textutil.NormalizeStringMap(map[string]string{"userId": userID}),
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
		IdempotencyKey: s.idgen(),
	})
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: session: %v", ErrGateway, err)
	}

	checkout := domain.PendingCheckout{
		SessionID:  session.ID,
		UserID:     userID,
		CustomerID: customer.ID,
		Currency:   s.cfg.Currency,
		Items:      items,
		Totals:     totals,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
	}
	if err := s.pending.Put(ctx, checkout); err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("store pending checkout: %w", err)
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"sessionId": session.ID,
		"userId":    userID,
		"total":     totals.GrandTotal(),
		"items":     len(items),
	})

	return CheckoutSessionResult{SessionID: session.ID, URL: session.URL, Totals: totals}, nil
}

// createPrices registers one tax-inclusive gateway price per line item. The
// fan-out is bounded and joins before the session is built; the first failure
// cancels the remaining calls and aborts the whole attempt.
func (s *DefaultCheckoutService) createPrices(ctx context.Context, items []domain.CheckoutLineItem) ([]payments.Price, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prices := make([]payments.Price, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, s.cfg.PriceConcurrency)

	var wg sync.WaitGroup
	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, item domain.CheckoutLineItem) {
			defer wg.Done()
			defer func() { <-sem }()

			price, err := s.createPriceWithBackoff(ctx, item)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			prices[i] = price
		}(i, item)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%w: price for %q: %v", ErrGateway, items[i].ProductID, err)
		}
	}
	return prices, nil
}

func (s *DefaultCheckoutService) createPriceWithBackoff(ctx context.Context, item domain.CheckoutLineItem) (payments.Price, error) {
	params := payments.PriceParams{
		ProductName: item.Name,
		Description: item.Description,
		UnitAmount:  item.UnitAmount + item.UnitAmountTax,
		Currency:    s.cfg.Currency,
		ImageURL:    item.ImageURL,
		Metadata: textutil.NormalizeStringMap(map[string]string{
			"productId": item.ProductID,
		}),
	}

	backoff := gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}

	var lastErr error
	for attempt := 0; attempt < defaultPriceAttempts; attempt++ {
		price, err := s.gateway.CreatePrice(ctx, params)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return payments.Price{}, ctx.Err()
		}
		if attempt < defaultPriceAttempts-1 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return payments.Price{}, err
			}
		}
	}
	return payments.Price{}, lastErr
}

var _ CheckoutService = (*DefaultCheckoutService)(nil)
