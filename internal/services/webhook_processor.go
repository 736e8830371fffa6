package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/platform/idempotency"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventPaymentSucceeded    = "payment_intent.succeeded"
	eventPaymentMethodAttach = "payment_method.attached"
	outcomeFulfillmentQueued = "fulfillment_enqueued"
)

// WebhookProcessorDeps wires the webhook processor.
type WebhookProcessorDeps struct {
	Gateway payments.Gateway
	Events  idempotency.Store
	Jobs    repositories.FulfillmentJobRepository
	TTL     time.Duration
	Now     func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// WebhookProcessor verifies gateway notifications, deduplicates deliveries by
// event id, and records a fulfillment job instead of doing side effects
// inline. Order creation, invoice rendering, and email delivery retry through
// the outbox independently of the webhook response.
type WebhookProcessor struct {
	gateway payments.Gateway
	events  idempotency.Store
	jobs    repositories.FulfillmentJobRepository
	ttl     time.Duration
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewWebhookProcessor validates dependencies and constructs the processor.
func NewWebhookProcessor(deps WebhookProcessorDeps) (*WebhookProcessor, error) {
	if deps.Gateway == nil {
		return nil, errors.New("webhook processor: gateway is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook processor: event store is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("webhook processor: job repository is required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookProcessor{
		gateway: deps.Gateway,
		events:  deps.Events,
		jobs:    deps.Jobs,
		ttl:     ttl,
		now:     func() time.Time { return now().UTC() },
		logger:  logger,
	}, nil
}

// Process verifies one delivery. It returns payments.ErrInvalidSignature for
// envelope-level failures, which are the only deliveries the transport layer
// may reject; everything else is acknowledged.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	event, err := p.gateway.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		return WebhookResult{}, err
	}

	result := WebhookResult{EventID: event.ID, EventType: event.Type}

	switch event.Type {
	case eventCheckoutCompleted:
		return p.processCompletedSession(ctx, event)
	case eventPaymentSucceeded, eventPaymentMethodAttach:
		result.Outcome = WebhookOutcomeIgnored
		return result, nil
	default:
		p.logger(ctx, "webhook.unhandled_event", map[string]any{
			"eventId":   event.ID,
			"eventType": event.Type,
		})
		result.Outcome = WebhookOutcomeUnhandled
		return result, nil
	}
}

func (p *WebhookProcessor) processCompletedSession(ctx context.Context, event payments.WebhookEvent) (WebhookResult, error) {
	result := WebhookResult{EventID: event.ID, EventType: event.Type}
	if event.Session == nil || event.Session.ID == "" {
		return result, fmt.Errorf("%w: completed session event without session payload", payments.ErrInvalidSignature)
	}

	now := p.now()
	claim, err := p.events.Claim(ctx, event.ID, event.Type, now, p.ttl)
	if err != nil {
		// The ledger being down must not trigger gateway retries; ack and
		// rely on session reconciliation during fulfillment.
		p.logger(ctx, "webhook.claim_failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	} else {
		switch claim.State {
		case idempotency.ClaimStateCompleted:
			result.Outcome = WebhookOutcomeDuplicate
			return result, nil
		case idempotency.ClaimStatePending:
			result.Outcome = WebhookOutcomeInFlight
			return result, nil
		}
	}

	job := domain.FulfillmentJob{
		ID:              event.Session.ID,
		SessionID:       event.Session.ID,
		CustomerID:      event.Session.CustomerID,
		PaymentIntentID: event.Session.PaymentIntentID,
		PaymentStatus:   string(event.Session.PaymentStatus),
		State:           domain.FulfillmentJobStatePending,
		RunAfter:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := p.jobs.Enqueue(ctx, job); err != nil && !isConflict(err) {
		p.logger(ctx, "webhook.enqueue_failed", map[string]any{
			"eventId":   event.ID,
			"sessionId": event.Session.ID,
			"error":     err.Error(),
		})
		// Release the claim so a gateway redelivery can try again.
		if relErr := p.events.Release(ctx, event.ID); relErr != nil {
			p.logger(ctx, "webhook.release_failed", map[string]any{
				"eventId": event.ID,
				"error":   relErr.Error(),
			})
		}
		result.Outcome = WebhookOutcomeEnqueued
		return result, nil
	}

	if err := p.events.Complete(ctx, event.ID, idempotency.Result{Outcome: outcomeFulfillmentQueued}, p.now(), p.ttl); err != nil {
		p.logger(ctx, "webhook.complete_failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	}

	p.logger(ctx, "webhook.fulfillment_enqueued", map[string]any{
		"eventId":   event.ID,
		"sessionId": event.Session.ID,
	})
	result.Outcome = WebhookOutcomeEnqueued
	return result, nil
}

var _ WebhookService = (*WebhookProcessor)(nil)
