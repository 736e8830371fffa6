package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of a webhook event record.
type Status string

const (
	// DefaultTTL is the default duration that processed event records are retained.
	DefaultTTL = 30 * 24 * time.Hour
	// StatusPending indicates that a delivery has claimed the event but not finished processing.
	StatusPending Status = "pending"
	// StatusCompleted indicates the event was fully processed and later deliveries are duplicates.
	StatusCompleted Status = "completed"
)

// ClaimState describes the outcome of attempting to claim a webhook event.
type ClaimState int

const (
	// ClaimStateNew means the event has not been seen and the caller should process it.
	ClaimStateNew ClaimState = iota
	// ClaimStateCompleted means the event was already processed; the delivery is a duplicate.
	ClaimStateCompleted
	// ClaimStatePending means another delivery of the same event is currently being processed.
	ClaimStatePending
)

// Claim is the result of claiming an event, including the stored record when one exists.
type Claim struct {
	State  ClaimState
	Record Record
}

// Record captures the persisted processing state for a gateway event.
type Record struct {
	EventID   string
	EventType string
	Status    Status
	Outcome   string
	OrderID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Result describes how an event was handled, stored for duplicate detection.
type Result struct {
	Outcome string
	OrderID string
}

// Store persists webhook event claims so repeated deliveries are recognised.
type Store interface {
	Claim(ctx context.Context, eventID, eventType string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, eventID string, result Result, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, eventID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var (
	// ErrEmptyEventID is returned when a claim is attempted without an event identifier.
	ErrEmptyEventID = errors.New("idempotency: event id is required")
)

func normalizeEventID(eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", ErrEmptyEventID
	}
	return eventID, nil
}
