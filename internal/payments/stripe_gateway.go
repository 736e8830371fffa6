package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeCustomerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripePriceAPI interface {
	New(params *stripe.PriceParams) (*stripe.Price, error)
}

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeClients struct {
	customers stripeCustomerAPI
	prices    stripePriceAPI
	sessions  stripeSessionAPI
}

type constructEventFunc func(payload []byte, header, secret string) (stripe.Event, error)

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time

	// Clients and ConstructEvent are injectable for tests.
	Clients        *stripeClients
	ConstructEvent constructEventFunc
}

// StripeGateway implements the Gateway interface using Stripe APIs.
type StripeGateway struct {
	api            stripeClients
	webhookSecret  string
	constructEvent constructEventFunc
	clock          func() time.Time
	logger         StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			customers: sc.Customers,
			prices:    sc.Prices,
			sessions:  sc.CheckoutSessions,
		}
	}
	if clients.customers == nil || clients.prices == nil || clients.sessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	construct := cfg.ConstructEvent
	if construct == nil {
		construct = webhook.ConstructEvent
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:            clients,
		webhookSecret:  secret,
		constructEvent: construct,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// EnsureCustomer creates a gateway customer for the shopper.
func (g *StripeGateway) EnsureCustomer(ctx context.Context, params CustomerParams) (Customer, error) {
	if g == nil {
		return Customer{}, errors.New("stripe: gateway is nil")
	}

	cp := &stripe.CustomerParams{}
	cp.Context = ctx
	if email := strings.TrimSpace(params.Email); email != "" {
		cp.Email = stripe.String(email)
	}
	if name := strings.TrimSpace(params.Name); name != "" {
		cp.Name = stripe.String(name)
	}
	if uid := strings.TrimSpace(params.UserID); uid != "" {
		cp.Metadata = map[string]string{"userId": uid}
	}

	customer, err := g.api.customers.New(cp)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: create customer: %w", err)
	}

	g.logger(ctx, "payments.stripe.customer.created", map[string]any{
		"customerId": customer.ID,
	})

	return Customer{ID: customer.ID, Email: customer.Email, Name: customer.Name}, nil
}

// CreatePrice registers a tax-inclusive unit price for one cart line.
func (g *StripeGateway) CreatePrice(ctx context.Context, params PriceParams) (Price, error) {
	if g == nil {
		return Price{}, errors.New("stripe: gateway is nil")
	}
	if params.UnitAmount <= 0 {
		return Price{}, errors.New("stripe: unit amount must be positive")
	}
	name := strings.TrimSpace(params.ProductName)
	if name == "" {
		return Price{}, errors.New("stripe: product name is required")
	}

	pp := &stripe.PriceParams{
		Currency:   stripe.String(strings.ToLower(params.Currency)),
		UnitAmount: stripe.Int64(params.UnitAmount),
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(name),
		},
	}
	pp.Context = ctx

	metadata := make(map[string]string, len(params.Metadata)+1)
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	if img := strings.TrimSpace(params.ImageURL); img != "" {
		metadata["imageUrl"] = img
	}
	if len(metadata) > 0 {
		pp.ProductData.Metadata = metadata
	}

	price, err := g.api.prices.New(pp)
	if err != nil {
		return Price{}, fmt.Errorf("stripe: create price: %w", err)
	}

	return Price{
		ID:         price.ID,
		UnitAmount: price.UnitAmount,
		Currency:   string(price.Currency),
	}, nil
}

// CreateCheckoutSession creates a hosted checkout session over prepared prices.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params SessionParams) (Session, error) {
	if g == nil {
		return Session{}, errors.New("stripe: gateway is nil")
	}
	if len(params.Items) == 0 {
		return Session{}, errors.New("stripe: at least one line item is required")
	}

	sp := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}
	sp.Context = ctx
	if key := strings.TrimSpace(params.IdempotencyKey); key != "" {
		sp.SetIdempotencyKey(key)
	}
	if params.CustomerID != "" {
		sp.Customer = stripe.String(params.CustomerID)
	}
	if len(params.AllowedCountries) > 0 {
		sp.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(params.AllowedCountries),
		}
	}
	if params.CollectPhone {
		sp.PhoneNumberCollection = &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		}
	}
	if params.Shipping != nil {
		sp.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{
			shippingOptionParams(*params.Shipping),
		}
	}
	if !params.ExpiresAt.IsZero() {
		sp.ExpiresAt = stripe.Int64(params.ExpiresAt.Unix())
	}
	if len(params.Metadata) > 0 {
		sp.Metadata = make(map[string]string, len(params.Metadata))
		for k, v := range params.Metadata {
			sp.Metadata[k] = v
		}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(params.Items))
	for _, item := range params.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(item.PriceID),
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
		})
	}
	sp.LineItems = lineItems

	session, err := g.api.sessions.New(sp)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"currency":  session.Currency,
	})

	return sessionFromStripe(session), nil
}

// GetCheckoutSession retrieves a session for reconciliation.
func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (Session, error) {
	if g == nil {
		return Session{}, errors.New("stripe: gateway is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, errors.New("stripe: session id is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := g.api.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return Session{}, fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return sessionFromStripe(session), nil
}

// VerifyWebhook validates the signature and decodes the event envelope.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	if g == nil {
		return WebhookEvent{}, errors.New("stripe: gateway is nil")
	}

	event, err := g.constructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	if strings.HasPrefix(out.Type, "checkout.session.") && event.Data != nil {
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode session payload: %w", err)
		}
		s := sessionFromStripe(&session)
		out.Session = &s
	}

	return out, nil
}

func sessionFromStripe(s *stripe.CheckoutSession) Session {
	if s == nil {
		return Session{}
	}

	out := Session{
		ID:            s.ID,
		URL:           s.URL,
		PaymentStatus: PaymentStatus(s.PaymentStatus),
		Status:        string(s.Status),
		AmountTotal:   s.AmountTotal,
		Currency:      strings.ToLower(string(s.Currency)),
		Metadata:      s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.ExpiresAt != 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}

	shipping := shippingFromStripe(s)
	if shipping != nil {
		out.Shipping = shipping
	}
	return out
}

func shippingFromStripe(s *stripe.CheckoutSession) *ShippingDetails {
	var out ShippingDetails
	populated := false

	if sd := s.ShippingDetails; sd != nil {
		out.Name = sd.Name
		if sd.Address != nil {
			out.Line1 = sd.Address.Line1
			out.Line2 = sd.Address.Line2
			out.City = sd.Address.City
			out.State = sd.Address.State
			out.PostalCode = sd.Address.PostalCode
			out.Country = sd.Address.Country
		}
		populated = true
	}
	if cd := s.CustomerDetails; cd != nil {
		if out.Name == "" {
			out.Name = cd.Name
		}
		out.Email = cd.Email
		out.Phone = cd.Phone
		populated = true
	}

	if !populated {
		return nil
	}
	return &out
}

func shippingOptionParams(option ShippingOption) *stripe.CheckoutSessionShippingOptionParams {
	label := strings.TrimSpace(option.Label)
	if label == "" {
		label = "Standard shipping"
		if option.Amount == 0 {
			label = "Free shipping"
		}
	}
	return &stripe.CheckoutSessionShippingOptionParams{
		ShippingRateData: &stripe.CheckoutSessionShippingOptionShippingRateDataParams{
			DisplayName: stripe.String(label),
			Type:        stripe.String("fixed_amount"),
			FixedAmount: &stripe.CheckoutSessionShippingOptionShippingRateDataFixedAmountParams{
				Amount:   stripe.Int64(option.Amount),
				Currency: stripe.String(strings.ToLower(option.Currency)),
			},
			DeliveryEstimate: &stripe.CheckoutSessionShippingOptionShippingRateDataDeliveryEstimateParams{
				Minimum: &stripe.CheckoutSessionShippingOptionShippingRateDataDeliveryEstimateMinimumParams{
					Unit:  stripe.String("business_day"),
					Value: stripe.Int64(5),
				},
				Maximum: &stripe.CheckoutSessionShippingOptionShippingRateDataDeliveryEstimateMaximumParams{
					Unit:  stripe.String("business_day"),
					Value: stripe.Int64(7),
				},
			},
		},
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
