package repositories

import (
	"context"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	PendingCheckouts() PendingCheckoutRepository
	FulfillmentJobs() FulfillmentJobRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and serves the read/aggregation queries.
type OrderRepository interface {
	// Insert writes a new order. A second insert for the same payment intent
	// must fail with IsConflict so duplicate webhook deliveries stay no-ops.
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	CountByMonth(ctx context.Context, since time.Time) ([]domain.MonthlyOrderStat, error)
	IncomeByMonth(ctx context.Context, since time.Time) ([]domain.MonthlyIncomeStat, error)
	IncomeByWeekday(ctx context.Context, since time.Time) ([]domain.WeekdayIncomeStat, error)
}

// OrderListFilter narrows order listings. Results are always newest first.
type OrderListFilter struct {
	UserID       string
	Statuses     []domain.OrderStatus
	CreatedAfter *time.Time
	// StartAfter carries Firestore cursor values (createdAt, doc id) for pagination.
	StartAfter []any
	Limit      int
}

// PendingCheckoutRepository stores the short-lived cart snapshot between
// session creation and webhook delivery, keyed by gateway session id.
type PendingCheckoutRepository interface {
	Put(ctx context.Context, checkout domain.PendingCheckout) error
	FindBySession(ctx context.Context, sessionID string) (domain.PendingCheckout, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// FulfillmentJobRepository is the outbox for webhook side effects.
type FulfillmentJobRepository interface {
	// Enqueue appends a job. A job with the same session id must fail with
	// IsConflict; the webhook processor treats that as already enqueued.
	Enqueue(ctx context.Context, job domain.FulfillmentJob) error
	// ClaimPending atomically moves up to limit runnable jobs to running and
	// returns them. Jobs whose RunAfter is in the future are skipped.
	ClaimPending(ctx context.Context, now time.Time, limit int) ([]domain.FulfillmentJob, error)
	MarkDone(ctx context.Context, jobID string, now time.Time) error
	// MarkRetry returns a job to pending with backoff, or to failed once the
	// attempt budget is exhausted.
	MarkRetry(ctx context.Context, jobID string, lastError string, runAfter time.Time, failed bool) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Ping(ctx context.Context) error
}
