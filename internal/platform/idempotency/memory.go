package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation useful for testing and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Claim implements the Store interface.
func (s *MemoryStore) Claim(_ context.Context, eventID, eventType string, now time.Time, ttl time.Duration) (Claim, error) {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return Claim{}, err
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	record, ok := s.records[eventID]
	if !ok || (!record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)) {
		record = Record{
			EventID:   eventID,
			EventType: eventType,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		s.records[eventID] = record
		return Claim{State: ClaimStateNew, Record: record}, nil
	}

	if record.Status == StatusCompleted {
		return Claim{State: ClaimStateCompleted, Record: record}, nil
	}

	return Claim{State: ClaimStatePending, Record: record}, nil
}

// Complete implements the Store interface.
func (s *MemoryStore) Complete(_ context.Context, eventID string, result Result, now time.Time, ttl time.Duration) error {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	record, ok := s.records[eventID]
	if !ok {
		record = Record{EventID: eventID, CreatedAt: now}
	}

	record.Status = StatusCompleted
	record.Outcome = result.Outcome
	record.OrderID = result.OrderID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.records[eventID] = record

	return nil
}

// CleanupExpired implements the Store interface.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	removed := 0
	for id, record := range s.records {
		if record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
		if removed >= limit {
			break
		}
	}

	return removed, nil
}

// Release deletes the claim so that subsequent deliveries may retry.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, eventID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
