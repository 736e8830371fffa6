package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/meraki-bazaar/api/internal/domain"
	pfirestore "github.com/meraki-bazaar/api/internal/platform/firestore"
	"github.com/meraki-bazaar/api/internal/repositories"
)

const fulfillmentJobCollection = "fulfillment_jobs"

type fulfillmentJobDocument struct {
	SessionID       string    `firestore:"sessionId"`
	CustomerID      string    `firestore:"customerId,omitempty"`
	PaymentIntentID string    `firestore:"paymentIntentId,omitempty"`
	PaymentStatus   string    `firestore:"paymentStatus,omitempty"`
	State           string    `firestore:"state"`
	Attempts        int       `firestore:"attempts"`
	LastError       string    `firestore:"lastError,omitempty"`
	RunAfter        time.Time `firestore:"runAfter"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

// FulfillmentJobRepository is the Firestore-backed outbox for webhook side effects.
// The gateway session id doubles as the document id so a redelivered event
// cannot enqueue the same work twice.
type FulfillmentJobRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[fulfillmentJobDocument]
	now      func() time.Time
}

// NewFulfillmentJobRepository constructs a Firestore-backed fulfillment job repository.
func NewFulfillmentJobRepository(provider *pfirestore.Provider) (*FulfillmentJobRepository, error) {
	if provider == nil {
		return nil, errors.New("fulfillment job repository requires firestore provider")
	}
	return &FulfillmentJobRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[fulfillmentJobDocument](provider, fulfillmentJobCollection, nil, nil),
		now:      time.Now,
	}, nil
}

// Enqueue appends a job keyed by session id. Duplicate sessions conflict.
func (r *FulfillmentJobRepository) Enqueue(ctx context.Context, job domain.FulfillmentJob) error {
	if r == nil || r.base == nil {
		return errors.New("fulfillment job repository not initialised")
	}
	sessionID := strings.TrimSpace(job.SessionID)
	if sessionID == "" {
		return errors.New("fulfillment job repository: session id is required")
	}

	now := r.now().UTC()
	createdAt := job.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	state := job.State
	if state == "" {
		state = domain.FulfillmentJobStatePending
	}

	_, err := r.base.Create(ctx, sessionID, fulfillmentJobDocument{
		SessionID:       sessionID,
		CustomerID:      strings.TrimSpace(job.CustomerID),
		PaymentIntentID: strings.TrimSpace(job.PaymentIntentID),
		PaymentStatus:   strings.TrimSpace(job.PaymentStatus),
		State:           string(state),
		Attempts:        job.Attempts,
		RunAfter:        job.RunAfter.UTC(),
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	})
	return err
}

// ClaimPending atomically flips runnable jobs to running and returns them.
func (r *FulfillmentJobRepository) ClaimPending(ctx context.Context, now time.Time, limit int) ([]domain.FulfillmentJob, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("fulfillment job repository not initialised")
	}
	if limit <= 0 {
		limit = 10
	}

	cutoff := now.UTC()
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("state", "==", string(domain.FulfillmentJobStatePending)).
			Where("runAfter", "<=", cutoff).
			OrderBy("runAfter", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	claimed := make([]domain.FulfillmentJob, 0, len(docs))
	for _, doc := range docs {
		job, err := r.claim(ctx, doc.ID, cutoff)
		if err != nil {
			// Lost the race to another worker; skip and keep claiming.
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsConflict() {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (r *FulfillmentJobRepository) claim(ctx context.Context, jobID string, now time.Time) (domain.FulfillmentJob, error) {
	var job domain.FulfillmentJob
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, jobID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc fulfillmentJobDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.State != string(domain.FulfillmentJobStatePending) {
			return status.Error(codes.Aborted, "job already claimed")
		}
		doc.State = string(domain.FulfillmentJobStateRunning)
		doc.Attempts++
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		job = decodeFulfillmentJob(jobID, doc)
		return nil
	})
	if err != nil {
		return domain.FulfillmentJob{}, err
	}
	return job, nil
}

// MarkDone finalises a completed job.
func (r *FulfillmentJobRepository) MarkDone(ctx context.Context, jobID string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("fulfillment job repository not initialised")
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(jobID), []firestore.Update{
		{Path: "state", Value: string(domain.FulfillmentJobStateDone)},
		{Path: "lastError", Value: firestore.Delete},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

// MarkRetry reschedules a failed attempt or parks the job as failed.
func (r *FulfillmentJobRepository) MarkRetry(ctx context.Context, jobID string, lastError string, runAfter time.Time, failed bool) error {
	if r == nil || r.base == nil {
		return errors.New("fulfillment job repository not initialised")
	}
	state := domain.FulfillmentJobStatePending
	if failed {
		state = domain.FulfillmentJobStateFailed
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(jobID), []firestore.Update{
		{Path: "state", Value: string(state)},
		{Path: "lastError", Value: strings.TrimSpace(lastError)},
		{Path: "runAfter", Value: runAfter.UTC()},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
	return err
}

func decodeFulfillmentJob(id string, doc fulfillmentJobDocument) domain.FulfillmentJob {
	return domain.FulfillmentJob{
		ID:              id,
		SessionID:       doc.SessionID,
		CustomerID:      doc.CustomerID,
		PaymentIntentID: doc.PaymentIntentID,
		PaymentStatus:   doc.PaymentStatus,
		State:           domain.FulfillmentJobState(doc.State),
		Attempts:        doc.Attempts,
		LastError:       doc.LastError,
		RunAfter:        doc.RunAfter,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

var _ repositories.FulfillmentJobRepository = (*FulfillmentJobRepository)(nil)
