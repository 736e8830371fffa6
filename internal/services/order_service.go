package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meraki-bazaar/api/internal/repositories"

	domain "github.com/meraki-bazaar/api/internal/domain"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// EventOrderStatusChanged is published after every lifecycle transition.
	EventOrderStatusChanged = "order.status_changed"
)

// transitionRule describes one edge of the order lifecycle graph.
type transitionRule struct {
	// from lists the states the edge starts at. Empty means any state other
	// than the target.
	from         []OrderStatus
	to           OrderStatus
	adminOnly    bool
	ownerAllowed bool
}

// transitionRules is the complete lifecycle graph. Transitions that would
// leave the order in its current state are rejected before rules are checked.
var transitionRules = map[TransitionEvent]transitionRule{
	TransitionCancel: {
		from:         []OrderStatus{domain.OrderStatusPending},
		to:           domain.OrderStatusCanceled,
		ownerAllowed: true,
	},
	TransitionDispatch: {
		from:      []OrderStatus{domain.OrderStatusPending},
		to:        domain.OrderStatusDispatched,
		adminOnly: true,
	},
	TransitionDeliver: {
		to:        domain.OrderStatusDelivered,
		adminOnly: true,
	},
	TransitionRequestReturn: {
		from:         []OrderStatus{domain.OrderStatusDelivered},
		to:           domain.OrderStatusReturnRequested,
		ownerAllowed: true,
	},
	TransitionApproveReturn: {
		from:      []OrderStatus{domain.OrderStatusReturnRequested},
		to:        domain.OrderStatusReturnApproved,
		adminOnly: true,
	},
	TransitionDenyReturn: {
		from:      []OrderStatus{domain.OrderStatusReturnRequested},
		to:        domain.OrderStatusReturnDenied,
		adminOnly: true,
	},
	TransitionMarkReturned: {
		from:      []OrderStatus{domain.OrderStatusReturnApproved},
		to:        domain.OrderStatusReturned,
		adminOnly: true,
	},
}

// OrderServiceDeps wires the order lifecycle and query service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Now    func() time.Time
	Logger func(context.Context, string, map[string]any)
}

// DefaultOrderService governs the order lifecycle state machine and serves
// listings and revenue aggregations. Transitions are the only way an order
// changes status; each applied transition is appended to the order's event
// history and announced on the events topic.
type DefaultOrderService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService validates dependencies and constructs the service.
func NewOrderService(deps OrderServiceDeps) (*DefaultOrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &DefaultOrderService{
		orders: deps.Orders,
		events: deps.Events,
		now:    func() time.Time { return now().UTC() },
		logger: logger,
	}, nil
}

// GetOrder fetches one order. Non-admin callers only see their own orders;
// a foreign order reads as not found so order ids are not probeable.
func (s *DefaultOrderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if !query.IsAdmin && order.UserID != query.ActorID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns one page, newest first. When the page is full the
// result carries a continuation cursor for the next call.
func (s *DefaultOrderService) ListOrders(ctx context.Context, query ListOrdersQuery) (OrderPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	// Fetch one extra row to detect whether another page exists.
	orders, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     query.UserID,
		StartAfter: query.StartAfter,
		Limit:      limit + 1,
	})
	if err != nil {
		return OrderPage{}, fmt.Errorf("list orders: %w", err)
	}

	page := OrderPage{Orders: orders}
	if len(orders) > limit {
		page.Orders = orders[:limit]
		last := page.Orders[limit-1]
		page.NextCursor = []any{last.CreatedAt, last.ID}
	}
	return page, nil
}

// Transition applies one lifecycle event to an order. Invalid edges return
// ErrInvalidTransition; callers without the required role get ErrForbidden.
func (s *DefaultOrderService) Transition(ctx context.Context, cmd TransitionCommand) (Order, error) {
	rule, ok := transitionRules[cmd.Event]
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, cmd.Event)
	}

	order, err := s.orders.FindByID(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		if isNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("load order %s: %w", cmd.OrderID, err)
	}

	if err := s.authorize(order, rule, cmd); err != nil {
		return Order{}, err
	}
	if order.Status == rule.to {
		return Order{}, fmt.Errorf("%w: order %s is already %s", ErrInvalidTransition, order.ID, order.Status)
	}
	if len(rule.from) > 0 && !statusIn(order.Status, rule.from) {
		return Order{}, fmt.Errorf("%w: cannot %s an order in state %s", ErrInvalidTransition, cmd.Event, order.Status)
	}

	now := s.now()
	previous := order.Status
	order.Status = rule.to
	order.Events = append(order.Events, domain.OrderStatusEvent{
		From:       previous,
		To:         rule.to,
		Actor:      cmd.Actor,
		OccurredAt: now,
	})
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, fmt.Errorf("persist transition for order %s: %w", order.ID, err)
	}

	s.logger(ctx, "order.transitioned", map[string]any{
		"orderId": order.ID,
		"event":   string(cmd.Event),
		"from":    string(previous),
		"to":      string(order.Status),
		"actor":   string(cmd.Actor),
	})
	s.publish(ctx, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		EventType:   EventOrderStatusChanged,
		Status:      string(order.Status),
		Actor:       string(cmd.Actor),
		OccurredAt:  now,
	})
	return order, nil
}

func (s *DefaultOrderService) authorize(order Order, rule transitionRule, cmd TransitionCommand) error {
	switch cmd.Actor {
	case domain.OrderActorAdmin:
		return nil
	case domain.OrderActorCustomer:
		if rule.adminOnly || !rule.ownerAllowed {
			return fmt.Errorf("%w: %s requires an operator", ErrForbidden, cmd.Event)
		}
		if order.UserID == "" || order.UserID != cmd.ActorID {
			return fmt.Errorf("%w: order %s does not belong to the caller", ErrForbidden, order.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: actor %q may not drive transitions", ErrForbidden, cmd.Actor)
	}
}

// OrdersPerMonth aggregates order counts for the trailing month.
func (s *DefaultOrderService) OrdersPerMonth(ctx context.Context) ([]MonthlyOrderStat, error) {
	since := s.now().AddDate(0, -1, 0)
	stats, err := s.orders.CountByMonth(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("orders per month: %w", err)
	}
	return stats, nil
}

// IncomePerMonth aggregates revenue for the trailing month.
func (s *DefaultOrderService) IncomePerMonth(ctx context.Context) ([]MonthlyIncomeStat, error) {
	since := s.now().AddDate(0, -1, 0)
	stats, err := s.orders.IncomeByMonth(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("income per month: %w", err)
	}
	return stats, nil
}

// IncomePerWeekday aggregates revenue per weekday over the trailing seven days.
func (s *DefaultOrderService) IncomePerWeekday(ctx context.Context) ([]WeekdayIncomeStat, error) {
	since := s.now().AddDate(0, 0, -7)
	stats, err := s.orders.IncomeByWeekday(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("income per weekday: %w", err)
	}
	return stats, nil
}

func (s *DefaultOrderService) publish(ctx context.Context, msg OrderEventMessage) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, msg); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId":   msg.OrderID,
			"eventType": msg.EventType,
			"error":     err.Error(),
		})
	}
}

func statusIn(status OrderStatus, set []OrderStatus) bool {
	for _, candidate := range set {
		if status == candidate {
			return true
		}
	}
	return false
}

var _ OrderService = (*DefaultOrderService)(nil)
