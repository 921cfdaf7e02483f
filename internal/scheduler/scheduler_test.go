package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/privacy"
)

type fakeQueue struct {
	created   []*db.ScheduledNotification
	active    map[string]*db.ScheduledNotification
	createErr error
	cancelled int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{active: make(map[string]*db.ScheduledNotification)}
}

func (f *fakeQueue) Create(ctx context.Context, n *db.ScheduledNotification) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, n)
	if n.UniqueKey != nil {
		f.active[*n.UniqueKey] = n
	}
	return nil
}

func (f *fakeQueue) FindActiveByUniqueKey(ctx context.Context, key string) (*db.ScheduledNotification, error) {
	return f.active[key], nil
}

func (f *fakeQueue) CancelByUniqueKey(ctx context.Context, key string) (int64, error) {
	if _, ok := f.active[key]; ok {
		delete(f.active, key)
		f.cancelled++
		return 1, nil
	}
	return 0, nil
}

func (f *fakeQueue) ListDue(ctx context.Context, before time.Time, limit int) ([]*db.ScheduledNotification, error) {
	return nil, nil
}

type fakeGate struct {
	decision privacy.Decision
	err      error
	calls    int
}

func (f *fakeGate) ShouldSend(ctx context.Context, recipientID uuid.UUID, category string, at time.Time) (privacy.Decision, error) {
	f.calls++
	return f.decision, f.err
}

func allowAll() *fakeGate {
	return &fakeGate{decision: privacy.Decision{Allow: true, Reason: privacy.ReasonAllowed}}
}

func TestScheduler_EnqueueCreates(t *testing.T) {
	queue := newFakeQueue()
	sched := New(queue, allowAll(), zap.NewNop())

	recipientID := uuid.New()
	result, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: &recipientID,
		ExecuteAt:   time.Now().Add(time.Hour),
		Payload:     notify.MorningReminderPayload{PrayerTime: "05:12", City: "Karachi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", result.Outcome)
	}
	if len(queue.created) != 1 {
		t.Fatalf("expected 1 created row, got %d", len(queue.created))
	}

	n := queue.created[0]
	if n.Status != db.StatusPending {
		t.Errorf("expected pending, got %s", n.Status)
	}
	if n.Category != notify.CategoryMorningReminder {
		t.Errorf("unexpected category %s", n.Category)
	}
	if n.MaxRetries != defaultMaxRetries {
		t.Errorf("expected default max retries %d, got %d", defaultMaxRetries, n.MaxRetries)
	}
}

func TestScheduler_EnqueueRejectsInvalidPayload(t *testing.T) {
	sched := New(newFakeQueue(), allowAll(), zap.NewNop())

	_, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ExecuteAt: time.Now(),
		Payload:   notify.MorningReminderPayload{}, // missing prayer time
	})
	if err == nil {
		t.Fatal("expected validation error")
	}

	_, err = sched.Enqueue(context.Background(), EnqueueRequest{ExecuteAt: time.Now()})
	if !errors.Is(err, notify.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for nil payload, got %v", err)
	}
}

func TestScheduler_EnqueueDeduplicates(t *testing.T) {
	queue := newFakeQueue()
	sched := New(queue, allowAll(), zap.NewNop())

	recipientID := uuid.New()
	key := "streak:" + recipientID.String()

	first, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: &recipientID,
		ExecuteAt:   time.Now().Add(time.Hour),
		Payload:     notify.StreakEscalationPayload{MissedDays: 3, StreakDays: 10},
		UniqueKey:   &key,
	})
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", first.Outcome)
	}

	second, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: &recipientID,
		ExecuteAt:   time.Now().Add(2 * time.Hour),
		Payload:     notify.StreakEscalationPayload{MissedDays: 3, StreakDays: 10},
		UniqueKey:   &key,
	})
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if second.Outcome != OutcomeDeduplicated {
		t.Fatalf("expected deduplicated, got %s", second.Outcome)
	}
	if second.ID != first.ID {
		t.Errorf("dedup should return the existing row's ID")
	}
	if len(queue.created) != 1 {
		t.Errorf("expected exactly 1 persisted row, got %d", len(queue.created))
	}
}

func TestScheduler_EnqueueDedupRace(t *testing.T) {
	// The lookup misses but the insert hits the partial unique index: a
	// concurrent producer won the race. Still an idempotent success.
	queue := newFakeQueue()
	queue.createErr = db.ErrDuplicateKey
	sched := New(queue, allowAll(), zap.NewNop())

	recipientID := uuid.New()
	key := "race-key"
	result, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: &recipientID,
		ExecuteAt:   time.Now(),
		Payload:     notify.StreakEscalationPayload{MissedDays: 1, StreakDays: 5},
		UniqueKey:   &key,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeDeduplicated {
		t.Fatalf("expected deduplicated, got %s", result.Outcome)
	}
}

func TestScheduler_EnqueueSuppressed(t *testing.T) {
	queue := newFakeQueue()
	gate := &fakeGate{decision: privacy.Decision{Allow: false, Reason: privacy.ReasonOptedOut}}
	sched := New(queue, gate, zap.NewNop())

	recipientID := uuid.New()
	result, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: &recipientID,
		ExecuteAt:   time.Now(),
		Payload:     notify.DailyQuotePayload{QuoteID: uuid.New()},
	})
	if err != nil {
		t.Fatalf("suppression must not surface as an error: %v", err)
	}
	if result.Outcome != OutcomeSuppressed {
		t.Fatalf("expected suppressed, got %s", result.Outcome)
	}
	if result.ID != uuid.Nil {
		t.Errorf("suppressed result should carry no ID")
	}
	if len(queue.created) != 0 {
		t.Errorf("suppressed enqueue must not persist a row")
	}
}

func TestScheduler_BroadcastSkipsGate(t *testing.T) {
	queue := newFakeQueue()
	gate := &fakeGate{decision: privacy.Decision{Allow: false, Reason: privacy.ReasonQuietHours}}
	sched := New(queue, gate, zap.NewNop())

	result, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: nil, // broadcast
		ExecuteAt:   time.Now(),
		Payload:     notify.DailyQuotePayload{QuoteID: uuid.New()},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", result.Outcome)
	}
	if gate.calls != 0 {
		t.Errorf("per-recipient gate must not run for broadcasts")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	queue := newFakeQueue()
	sched := New(queue, allowAll(), zap.NewNop())

	recipientID := uuid.New()
	key := "morning:" + recipientID.String()
	if _, err := sched.Enqueue(context.Background(), EnqueueRequest{
		RecipientID: &recipientID,
		ExecuteAt:   time.Now().Add(time.Hour),
		Payload:     notify.MorningReminderPayload{PrayerTime: "05:12"},
		UniqueKey:   &key,
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	count, err := sched.Cancel(context.Background(), key)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 cancelled, got %d", count)
	}

	// Second cancel is a no-op
	count, err = sched.Cancel(context.Background(), key)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 cancelled on repeat, got %d", count)
	}
}
