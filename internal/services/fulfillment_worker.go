package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meraki-bazaar/api/internal/platform/idempotency"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 10
	defaultMaxAttempts  = 5
	defaultRetryBase    = 30 * time.Second
	maxRetryDelay       = time.Hour

	cleanupLedgerLimit = 500
)

// FulfillmentWorkerDeps wires the outbox drain loop.
type FulfillmentWorkerDeps struct {
	Jobs        repositories.FulfillmentJobRepository
	Fulfillment FulfillmentService
	Pending     repositories.PendingCheckoutRepository
	Events      idempotency.Store

	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBase    time.Duration

	Now    func() time.Time
	Logger func(context.Context, string, map[string]any)
}

// FulfillmentWorker drains the fulfillment outbox. Each claimed job is handed
// to the fulfillment service; failures go back on the queue with exponential
// backoff until the attempt budget runs out.
type FulfillmentWorker struct {
	jobs        repositories.FulfillmentJobRepository
	fulfillment FulfillmentService
	pending     repositories.PendingCheckoutRepository
	events      idempotency.Store

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryBase    time.Duration

	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewFulfillmentWorker validates dependencies and constructs the worker.
func NewFulfillmentWorker(deps FulfillmentWorkerDeps) (*FulfillmentWorker, error) {
	if deps.Jobs == nil {
		return nil, errors.New("fulfillment worker: job repository is required")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("fulfillment worker: fulfillment service is required")
	}

	pollInterval := deps.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryBase := deps.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &FulfillmentWorker{
		jobs:         deps.Jobs,
		fulfillment:  deps.Fulfillment,
		pending:      deps.Pending,
		events:       deps.Events,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		retryBase:    retryBase,
		now:          func() time.Time { return now().UTC() },
		logger:       logger,
	}, nil
}

// Run polls the outbox until the context is canceled. Intended to run in its
// own goroutine alongside the HTTP server.
func (w *FulfillmentWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger(ctx, "worker.drain_failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes one batch of runnable jobs. It returns the
// number of jobs that completed successfully.
func (w *FulfillmentWorker) RunOnce(ctx context.Context) (int, error) {
	claimed, err := w.jobs.ClaimPending(ctx, w.now(), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim fulfillment jobs: %w", err)
	}

	done := 0
	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := w.fulfillment.FulfillSession(ctx, job); err != nil {
			w.retry(ctx, job, err)
			continue
		}
		if err := w.jobs.MarkDone(ctx, job.ID, w.now()); err != nil {
			w.logger(ctx, "worker.mark_done_failed", map[string]any{
				"jobId": job.ID,
				"error": err.Error(),
			})
			continue
		}
		done++
	}
	return done, nil
}

func (w *FulfillmentWorker) retry(ctx context.Context, job FulfillmentJob, cause error) {
	failed := job.Attempts >= w.maxAttempts
	runAfter := w.now().Add(w.retryDelay(job.Attempts))

	event := "worker.job_retry_scheduled"
	if failed {
		event = "worker.job_failed"
	}
	w.logger(ctx, event, map[string]any{
		"jobId":    job.ID,
		"attempts": job.Attempts,
		"error":    cause.Error(),
	})

	if err := w.jobs.MarkRetry(ctx, job.ID, cause.Error(), runAfter, failed); err != nil {
		w.logger(ctx, "worker.mark_retry_failed", map[string]any{
			"jobId": job.ID,
			"error": err.Error(),
		})
	}
}

// retryDelay doubles per attempt, capped so a poisoned job cannot push its
// next run arbitrarily far out.
func (w *FulfillmentWorker) retryDelay(attempts int) time.Duration {
	delay := w.retryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// CleanupExpired removes pending checkout snapshots whose sessions lapsed and
// prunes settled webhook ledger entries past their retention window. It backs
// the scheduled cleanup task.
func (w *FulfillmentWorker) CleanupExpired(ctx context.Context) (int, error) {
	now := w.now()
	total := 0

	if w.pending != nil {
		removed, err := w.pending.DeleteExpired(ctx, now)
		if err != nil {
			return total, fmt.Errorf("expire pending checkouts: %w", err)
		}
		total += removed
	}
	if w.events != nil {
		removed, err := w.events.CleanupExpired(ctx, now, cleanupLedgerLimit)
		if err != nil {
			return total, fmt.Errorf("prune webhook ledger: %w", err)
		}
		total += removed
	}

	w.logger(ctx, "worker.cleanup_completed", map[string]any{"removed": total})
	return total, nil
}
