package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	claim, err := store.Claim(context.Background(), "evt_123", "checkout.session.completed", now, time.Hour)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claim.State != ClaimStateNew {
		t.Fatalf("expected new claim, got %v", claim.State)
	}

	// A concurrent redelivery sees the pending claim.
	claim, err = store.Claim(context.Background(), "evt_123", "checkout.session.completed", now, time.Hour)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claim.State != ClaimStatePending {
		t.Fatalf("expected pending claim, got %v", claim.State)
	}

	if err := store.Complete(context.Background(), "evt_123", Result{Outcome: "fulfilled", OrderID: "ord_1"}, now, time.Hour); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	claim, err = store.Claim(context.Background(), "evt_123", "checkout.session.completed", now.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claim.State != ClaimStateCompleted {
		t.Fatalf("expected completed claim, got %v", claim.State)
	}
	if claim.Record.Outcome != "fulfilled" || claim.Record.OrderID != "ord_1" {
		t.Fatalf("unexpected stored result: %+v", claim.Record)
	}
}

func TestMemoryStoreExpiredClaimIsReclaimed(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.Claim(context.Background(), "evt_456", "checkout.session.completed", now, time.Minute); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}

	claim, err := store.Claim(context.Background(), "evt_456", "checkout.session.completed", now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claim.State != ClaimStateNew {
		t.Fatalf("expected expired record to be reclaimed, got %v", claim.State)
	}
}

func TestMemoryStoreReleaseAllowsRetry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.Claim(context.Background(), "evt_789", "checkout.session.completed", now, time.Hour); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if err := store.Release(context.Background(), "evt_789"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}

	claim, err := store.Claim(context.Background(), "evt_789", "checkout.session.completed", now, time.Hour)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claim.State != ClaimStateNew {
		t.Fatalf("expected released event to be claimable, got %v", claim.State)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		if _, err := store.Claim(context.Background(), id, "checkout.session.completed", now, time.Minute); err != nil {
			t.Fatalf("Claim returned error: %v", err)
		}
	}

	removed, err := store.CleanupExpired(context.Background(), now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("CleanupExpired returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed records, got %d", removed)
	}
}

func TestClaimRejectsEmptyEventID(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Claim(context.Background(), "  ", "checkout.session.completed", time.Now(), time.Hour); err == nil {
		t.Fatal("expected error for empty event id")
	}
}
