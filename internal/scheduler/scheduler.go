// Package scheduler owns enqueueing into the durable notification queue:
// payload validation, unique-key deduplication and privacy gating.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/metrics"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/privacy"
)

// Queue is the persistence surface the scheduler writes to.
type Queue interface {
	Create(ctx context.Context, n *db.ScheduledNotification) error
	FindActiveByUniqueKey(ctx context.Context, key string) (*db.ScheduledNotification, error)
	CancelByUniqueKey(ctx context.Context, key string) (int64, error)
	ListDue(ctx context.Context, before time.Time, limit int) ([]*db.ScheduledNotification, error)
}

// Gate decides whether a recipient may receive a category at an instant.
type Gate interface {
	ShouldSend(ctx context.Context, recipientID uuid.UUID, category string, at time.Time) (privacy.Decision, error)
}

// Outcome of an enqueue call. Deduplicated and Suppressed are successes with
// no new row persisted.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeSuppressed   Outcome = "suppressed"
)

// EnqueueRequest describes one unit of future delivery work. A nil
// RecipientID means broadcast. ExecuteAt in the past means "as soon as
// possible".
type EnqueueRequest struct {
	RecipientID *uuid.UUID
	ExecuteAt   time.Time
	Payload     notify.Payload
	UniqueKey   *string
	MaxRetries  int
}

// EnqueueResult reports the outcome. ID is the persisted row (Created) or
// the row already holding the unique key (Deduplicated); uuid.Nil when
// suppressed.
type EnqueueResult struct {
	ID      uuid.UUID
	Outcome Outcome
}

// Scheduler exposes enqueue, cancel and list-due over the persisted queue.
type Scheduler struct {
	queue  Queue
	gate   Gate
	logger *zap.Logger
}

// New creates a scheduler.
func New(queue Queue, gate Gate, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		queue:  queue,
		gate:   gate,
		logger: logger,
	}
}

const defaultMaxRetries = 3

// Enqueue validates and persists a pending queue row. With a unique key it
// is idempotent: a second call while the first row is still pending or
// processing is a no-op success. A privacy denial is also a no-op success;
// the caller sees Suppressed, the recipient sees nothing.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", notify.ErrInvalidPayload)
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}
	category := req.Payload.Category()

	if req.UniqueKey != nil {
		existing, err := s.queue.FindActiveByUniqueKey(ctx, *req.UniqueKey)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			metrics.RecordEnqueue(category, string(OutcomeDeduplicated))
			return &EnqueueResult{ID: existing.ID, Outcome: OutcomeDeduplicated}, nil
		}
	}

	if req.RecipientID != nil {
		decision, err := s.gate.ShouldSend(ctx, *req.RecipientID, category, req.ExecuteAt)
		if err != nil {
			return nil, fmt.Errorf("privacy gate: %w", err)
		}
		if !decision.Allow {
			s.logger.Debug("enqueue suppressed by privacy gate",
				zap.String("recipient_id", req.RecipientID.String()),
				zap.String("category", category),
				zap.String("reason", decision.Reason),
			)
			metrics.RecordEnqueue(category, string(OutcomeSuppressed))
			return &EnqueueResult{Outcome: OutcomeSuppressed}, nil
		}
	}

	payload, err := notify.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	n := &db.ScheduledNotification{
		ID:          uuid.New(),
		RecipientID: req.RecipientID,
		Category:    category,
		ExecuteAt:   req.ExecuteAt.UTC(),
		Payload:     payload,
		Status:      db.StatusPending,
		UniqueKey:   req.UniqueKey,
		MaxRetries:  maxRetries,
	}

	if err := s.queue.Create(ctx, n); err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			// Lost the race against a concurrent producer holding the same
			// key; the partial unique index makes this an idempotent skip.
			metrics.RecordEnqueue(category, string(OutcomeDeduplicated))
			return &EnqueueResult{Outcome: OutcomeDeduplicated}, nil
		}
		return nil, err
	}

	s.logger.Info("notification enqueued",
		zap.String("notification_id", n.ID.String()),
		zap.String("category", category),
		zap.Time("execute_at", n.ExecuteAt),
	)
	metrics.RecordEnqueue(category, string(OutcomeCreated))

	return &EnqueueResult{ID: n.ID, Outcome: OutcomeCreated}, nil
}

// Cancel marks every pending row holding the key as cancelled and returns
// the count. Rows already claimed by the processor complete normally:
// cancellation is best-effort, not guaranteed to preempt in-flight work.
func (s *Scheduler) Cancel(ctx context.Context, uniqueKey string) (int64, error) {
	count, err := s.queue.CancelByUniqueKey(ctx, uniqueKey)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.logger.Info("scheduled notifications cancelled",
			zap.String("unique_key", uniqueKey),
			zap.Int64("count", count),
		)
	}
	return count, nil
}

// ListDue returns pending rows due at or before the instant, oldest first.
func (s *Scheduler) ListDue(ctx context.Context, before time.Time, limit int) ([]*db.ScheduledNotification, error) {
	return s.queue.ListDue(ctx, before, limit)
}
