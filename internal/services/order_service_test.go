package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
)

func seedOrder(repo *stubOrderRepo, id, userID string, status domain.OrderStatus, createdAt time.Time, total int64) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: "MB-2024-" + id,
		UserID:      userID,
		Currency:    "inr",
		LineItems:   []domain.OrderLineItem{{ProductID: "p1", Name: "Brass Diya", UnitPrice: total, Quantity: 1}},
		Subtotal:    total,
		Total:       total,
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	repo.orders[id] = order
	return order
}

func testOrderService(t *testing.T, repo *stubOrderRepo, events *stubPublisher) *DefaultOrderService {
	t.Helper()
	deps := OrderServiceDeps{
		Orders: repo,
		Now:    func() time.Time { return time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC) },
	}
	if events != nil {
		deps.Events = events
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestTransitionOwnerCancelsPendingOrder(t *testing.T) {
	repo := newStubOrderRepo()
	events := &stubPublisher{}
	svc := testOrderService(t, repo, events)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusPending, time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC), 5000)

	order, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionCancel,
		Actor:   domain.OrderActorCustomer,
		ActorID: "user-7",
	})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled, got %s", order.Status)
	}
	if len(order.Events) != 1 || order.Events[0].From != domain.OrderStatusPending ||
		order.Events[0].To != domain.OrderStatusCanceled || order.Events[0].Actor != domain.OrderActorCustomer {
		t.Fatalf("unexpected event history %+v", order.Events)
	}
	if repo.orders["o1"].Status != domain.OrderStatusCanceled {
		t.Fatal("transition not persisted")
	}
	if len(events.published) != 1 || events.published[0].EventType != EventOrderStatusChanged ||
		events.published[0].Status != string(domain.OrderStatusCanceled) {
		t.Fatalf("unexpected published events %+v", events.published)
	}
}

func TestTransitionRejectsForeignCustomer(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusPending, time.Now(), 5000)

	_, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionCancel,
		Actor:   domain.OrderActorCustomer,
		ActorID: "someone-else",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if repo.orders["o1"].Status != domain.OrderStatusPending {
		t.Fatal("order must be untouched")
	}
}

func TestTransitionCustomerCannotDispatch(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusPending, time.Now(), 5000)

	_, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionDispatch,
		Actor:   domain.OrderActorCustomer,
		ActorID: "user-7",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestTransitionCancelAfterDispatchRejected(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusDispatched, time.Now(), 5000)

	_, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionCancel,
		Actor:   domain.OrderActorCustomer,
		ActorID: "user-7",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionSameStateRejected(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusDelivered, time.Now(), 5000)

	_, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionDeliver,
		Actor:   domain.OrderActorAdmin,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionReturnFlow(t *testing.T) {
	repo := newStubOrderRepo()
	events := &stubPublisher{}
	svc := testOrderService(t, repo, events)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusDelivered, time.Now(), 5000)

	order, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionRequestReturn,
		Actor:   domain.OrderActorCustomer,
		ActorID: "user-7",
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if order.Status != domain.OrderStatusReturnRequested {
		t.Fatalf("expected return_requested, got %s", order.Status)
	}

	order, err = svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionDenyReturn,
		Actor:   domain.OrderActorAdmin,
	})
	if err != nil {
		t.Fatalf("deny return: %v", err)
	}
	if order.Status != domain.OrderStatusReturnDenied {
		t.Fatalf("expected return_denied, got %s", order.Status)
	}
	if order.ReturnStatus() != domain.SecondaryStatusRejected {
		t.Fatalf("unexpected derived return status %s", order.ReturnStatus())
	}

	// The request was already decided; a late approval must not flip it.
	_, err = svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionApproveReturn,
		Actor:   domain.OrderActorAdmin,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(order.Events) != 2 {
		t.Fatalf("expected two recorded transitions, got %d", len(order.Events))
	}
}

func TestTransitionApprovedReturnArrivesBack(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusReturnApproved, time.Now(), 5000)

	order, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "o1",
		Event:   TransitionMarkReturned,
		Actor:   domain.OrderActorAdmin,
	})
	if err != nil {
		t.Fatalf("mark returned: %v", err)
	}
	if order.Status != domain.OrderStatusReturned {
		t.Fatalf("expected returned, got %s", order.Status)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	svc := testOrderService(t, newStubOrderRepo(), nil)

	_, err := svc.Transition(context.Background(), TransitionCommand{
		OrderID: "missing",
		Event:   TransitionCancel,
		Actor:   domain.OrderActorAdmin,
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderAccessControl(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	seedOrder(repo, "o1", "user-7", domain.OrderStatusPending, time.Now(), 5000)

	if _, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "o1", ActorID: "user-7"}); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "o1", ActorID: "stranger"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("foreign read must look like not found, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "o1", ActorID: "ops-1", IsAdmin: true}); err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
}

func TestListOrdersPaginates(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedOrder(repo, fmt.Sprintf("o%d", i), "user-7", domain.OrderStatusPending, base.Add(time.Duration(i)*time.Hour), 1000)
	}

	page, err := svc.ListOrders(context.Background(), ListOrdersQuery{UserID: "user-7", Limit: 2})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(page.Orders))
	}
	if page.Orders[0].ID != "o4" || page.Orders[1].ID != "o3" {
		t.Fatalf("expected newest first, got %s %s", page.Orders[0].ID, page.Orders[1].ID)
	}
	if page.NextCursor == nil {
		t.Fatal("expected continuation cursor")
	}

	page, err = svc.ListOrders(context.Background(), ListOrdersQuery{UserID: "user-7", Limit: 2, StartAfter: page.NextCursor})
	if err != nil {
		t.Fatalf("ListOrders page 2: %v", err)
	}
	if len(page.Orders) != 2 || page.Orders[0].ID != "o2" {
		t.Fatalf("unexpected second page %+v", page.Orders)
	}

	page, err = svc.ListOrders(context.Background(), ListOrdersQuery{UserID: "user-7", Limit: 2, StartAfter: page.NextCursor})
	if err != nil {
		t.Fatalf("ListOrders page 3: %v", err)
	}
	if len(page.Orders) != 1 || page.NextCursor != nil {
		t.Fatalf("expected final short page, got %d orders cursor %v", len(page.Orders), page.NextCursor)
	}
}

func TestIncomePerWeekdayUsesTrailingWeek(t *testing.T) {
	repo := newStubOrderRepo()
	svc := testOrderService(t, repo, nil)
	// Service clock is 2024-03-15; the order from the 1st is outside the window.
	seedOrder(repo, "old", "user-7", domain.OrderStatusDelivered, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), 99999)
	seedOrder(repo, "mon", "user-7", domain.OrderStatusDelivered, time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC), 4000)
	seedOrder(repo, "mon2", "user-8", domain.OrderStatusDelivered, time.Date(2024, 3, 11, 15, 0, 0, 0, time.UTC), 1000)

	stats, err := svc.IncomePerWeekday(context.Background())
	if err != nil {
		t.Fatalf("IncomePerWeekday: %v", err)
	}
	if len(stats) != 1 || stats[0].Weekday != time.Monday || stats[0].Total != 5000 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
