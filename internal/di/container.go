package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meraki-bazaar/api/internal/invoicing"
	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/platform/config"
	"github.com/meraki-bazaar/api/internal/platform/idempotency"
	"github.com/meraki-bazaar/api/internal/repositories"
	"github.com/meraki-bazaar/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Checkout    services.CheckoutService
	Webhook     services.WebhookService
	Fulfillment services.FulfillmentService
	Orders      services.OrderService
}

// Dependencies lists the externally constructed collaborators the container
// assembles services from. Production wiring supplies Cloud-backed
// implementations, while tests can inject in-memory fakes.
type Dependencies struct {
	Config    config.Config
	Registry  repositories.Registry
	Gateway   payments.Gateway
	Archive   services.InvoiceArchive
	Sender    services.MessageSender
	Events    idempotency.Store
	Publisher services.OrderEventPublisher
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

// Container wires repositories, services, and the outbox worker for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Worker       *services.FulfillmentWorker
}

// NewContainer constructs the runtime service graph.
func NewContainer(deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	if deps.Archive == nil {
		return nil, errors.New("invoice archive is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("mail sender is required")
	}
	if deps.Events == nil {
		return nil, errors.New("idempotency store is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("order event publisher is required")
	}

	cfg := deps.Config
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	pricing := services.NewPricingEngine(cfg.Checkout.DefaultTaxRate)

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Gateway: deps.Gateway,
		Pending: deps.Registry.PendingCheckouts(),
		Pricing: pricing,
		Config: services.CheckoutConfig{
			Currency:         cfg.Checkout.Currency,
			SuccessURL:       cfg.Checkout.SuccessURL,
			CancelURL:        cfg.Checkout.CancelURL,
			AllowedCountries: cfg.Checkout.AllowedCountries,
			SessionTTL:       cfg.Checkout.SessionTTL,
			PriceConcurrency: cfg.Checkout.PriceConcurrency,
			GatewayTimeout:   cfg.Checkout.GatewayTimeout,
		},
		Now:    clock,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}

	webhook, err := services.NewWebhookProcessor(services.WebhookProcessorDeps{
		Gateway: deps.Gateway,
		Events:  deps.Events,
		Jobs:    deps.Registry.FulfillmentJobs(),
		TTL:     cfg.Checkout.SessionTTL,
		Now:     clock,
		Logger:  deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build webhook processor: %w", err)
	}

	issuer, err := services.NewInvoiceIssuer(services.InvoiceServiceDeps{
		Generator: invoicing.NewGenerator(),
		Archive:   deps.Archive,
		Now:       clock,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build invoice issuer: %w", err)
	}

	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Sender: deps.Sender,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build notification dispatcher: %w", err)
	}

	fulfillment, err := services.NewSessionFulfillment(services.FulfillmentServiceDeps{
		Orders:   deps.Registry.Orders(),
		Pending:  deps.Registry.PendingCheckouts(),
		Counters: deps.Registry.Counters(),
		Gateway:  deps.Gateway,
		Invoices: issuer,
		Mailer:   dispatcher,
		Events:   deps.Publisher,
		Now:      clock,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build fulfillment service: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: deps.Registry.Orders(),
		Events: deps.Publisher,
		Now:    clock,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	worker, err := services.NewFulfillmentWorker(services.FulfillmentWorkerDeps{
		Jobs:         deps.Registry.FulfillmentJobs(),
		Fulfillment:  fulfillment,
		Pending:      deps.Registry.PendingCheckouts(),
		Events:       deps.Events,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		Now:          clock,
		Logger:       deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build fulfillment worker: %w", err)
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services: Services{
			Checkout:    checkout,
			Webhook:     webhook,
			Fulfillment: fulfillment,
			Orders:      orders,
		},
		Worker: worker,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
