package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/platform/idempotency"
)

type stubFulfillment struct {
	fulfillFunc func(ctx context.Context, job domain.FulfillmentJob) error
	handled     []string
}

func (s *stubFulfillment) FulfillSession(ctx context.Context, job domain.FulfillmentJob) error {
	s.handled = append(s.handled, job.ID)
	if s.fulfillFunc != nil {
		return s.fulfillFunc(ctx, job)
	}
	return nil
}

func pendingJob(id string, runAfter time.Time) domain.FulfillmentJob {
	return domain.FulfillmentJob{
		ID:        id,
		SessionID: id,
		State:     domain.FulfillmentJobStatePending,
		RunAfter:  runAfter,
	}
}

func testWorker(t *testing.T, jobs *stubJobRepo, fulfillment *stubFulfillment) *FulfillmentWorker {
	t.Helper()
	worker, err := NewFulfillmentWorker(FulfillmentWorkerDeps{
		Jobs:        jobs,
		Fulfillment: fulfillment,
		MaxAttempts: 3,
		RetryBase:   time.Minute,
		Now:         func() time.Time { return time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewFulfillmentWorker: %v", err)
	}
	return worker
}

func TestRunOnceCompletesRunnableJobs(t *testing.T) {
	jobs := newStubJobRepo()
	jobs.jobs["cs_1"] = pendingJob("cs_1", time.Time{})
	jobs.jobs["cs_2"] = pendingJob("cs_2", time.Time{})
	// Not yet runnable; the claim must skip it.
	jobs.jobs["cs_3"] = pendingJob("cs_3", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	fulfillment := &stubFulfillment{}

	worker := testWorker(t, jobs, fulfillment)
	done, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done != 2 {
		t.Fatalf("expected 2 completed jobs, got %d", done)
	}
	if len(jobs.done) != 2 {
		t.Fatalf("expected 2 jobs marked done, got %v", jobs.done)
	}
	if jobs.jobs["cs_3"].State != domain.FulfillmentJobStatePending {
		t.Fatal("deferred job must stay pending")
	}
}

func TestRunOnceSchedulesRetryWithBackoff(t *testing.T) {
	jobs := newStubJobRepo()
	jobs.jobs["cs_1"] = pendingJob("cs_1", time.Time{})
	fulfillment := &stubFulfillment{
		fulfillFunc: func(ctx context.Context, job domain.FulfillmentJob) error {
			return errors.New("gateway timeout")
		},
	}

	worker := testWorker(t, jobs, fulfillment)
	done, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done != 0 {
		t.Fatalf("expected no completed jobs, got %d", done)
	}
	if len(jobs.retries) != 1 {
		t.Fatalf("expected one retry, got %v", jobs.retries)
	}

	job := jobs.jobs["cs_1"]
	if job.State != domain.FulfillmentJobStatePending {
		t.Fatalf("expected job back in pending, got %s", job.State)
	}
	if job.LastError != "gateway timeout" {
		t.Fatalf("unexpected last error %q", job.LastError)
	}
	// First attempt: base delay from the worker clock.
	want := time.Date(2024, 3, 1, 11, 1, 0, 0, time.UTC)
	if !job.RunAfter.Equal(want) {
		t.Fatalf("expected run after %v, got %v", want, job.RunAfter)
	}
}

func TestRunOnceFailsJobAfterAttemptBudget(t *testing.T) {
	jobs := newStubJobRepo()
	job := pendingJob("cs_1", time.Time{})
	job.Attempts = 2 // claim bumps to 3, the budget
	jobs.jobs["cs_1"] = job
	fulfillment := &stubFulfillment{
		fulfillFunc: func(ctx context.Context, job domain.FulfillmentJob) error {
			return errors.New("still broken")
		},
	}

	worker := testWorker(t, jobs, fulfillment)
	if _, err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(jobs.failed) != 1 || jobs.failed[0] != "cs_1" {
		t.Fatalf("expected job moved to failed, got %v", jobs.failed)
	}
	if jobs.jobs["cs_1"].State != domain.FulfillmentJobStateFailed {
		t.Fatalf("unexpected state %s", jobs.jobs["cs_1"].State)
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	worker := testWorker(t, newStubJobRepo(), &stubFulfillment{})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{20, time.Hour},
	}
	for _, tc := range cases {
		if got := worker.retryDelay(tc.attempts); got != tc.want {
			t.Fatalf("attempts %d: expected %v, got %v", tc.attempts, tc.want, got)
		}
	}
}

func TestCleanupExpiredPrunesSnapshotsAndLedger(t *testing.T) {
	pending := newStubPendingRepo()
	_ = pending.Put(context.Background(), domain.PendingCheckout{
		SessionID: "cs_old",
		ExpiresAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	_ = pending.Put(context.Background(), domain.PendingCheckout{
		SessionID: "cs_live",
		ExpiresAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	ledger := idempotency.NewMemoryStore()
	staleNow := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := ledger.Claim(context.Background(), "evt_old", "checkout.session.completed", staleNow, time.Hour); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := ledger.Complete(context.Background(), "evt_old", idempotency.Result{Outcome: "fulfillment_enqueued"}, staleNow, time.Hour); err != nil {
		t.Fatalf("complete ledger entry: %v", err)
	}

	worker, err := NewFulfillmentWorker(FulfillmentWorkerDeps{
		Jobs:        newStubJobRepo(),
		Fulfillment: &stubFulfillment{},
		Pending:     pending,
		Events:      ledger,
		Now:         func() time.Time { return time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewFulfillmentWorker: %v", err)
	}

	removed, err := worker.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, err := pending.FindBySession(context.Background(), "cs_live"); err != nil {
		t.Fatal("live snapshot must survive cleanup")
	}
	if _, err := pending.FindBySession(context.Background(), "cs_old"); err == nil {
		t.Fatal("expired snapshot must be removed")
	}
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	worker, err := NewFulfillmentWorker(FulfillmentWorkerDeps{
		Jobs:         newStubJobRepo(),
		Fulfillment:  &stubFulfillment{},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := worker.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
