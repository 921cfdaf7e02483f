package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/push"
)

// memQueue is an in-memory queue with the same conditional-transition
// semantics as the Postgres repository.
type memQueue struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*db.ScheduledNotification
}

func newMemQueue() *memQueue {
	return &memQueue{rows: make(map[uuid.UUID]*db.ScheduledNotification)}
}

func (q *memQueue) add(n *db.ScheduledNotification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[n.ID] = n
}

func (q *memQueue) get(id uuid.UUID) *db.ScheduledNotification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows[id]
}

func (q *memQueue) ListDue(ctx context.Context, before time.Time, limit int) ([]*db.ScheduledNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*db.ScheduledNotification
	for _, n := range q.rows {
		ready := n.NextRetryAt == nil || !n.NextRetryAt.After(before)
		if n.Status == db.StatusPending && !n.ExecuteAt.After(before) && ready {
			due = append(due, n)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (q *memQueue) ClaimPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.rows[id]
	if !ok || n.Status != db.StatusPending {
		return false, nil
	}
	n.Status = db.StatusProcessing
	n.ProcessedAt = &now
	return true, nil
}

func (q *memQueue) MarkSent(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[id].Status = db.StatusSent
	return nil
}

func (q *memQueue) ScheduleRetry(ctx context.Context, id uuid.UUID, retries int, nextRetryAt time.Time, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.rows[id]
	n.Status = db.StatusPending
	n.Retries = retries
	n.NextRetryAt = &nextRetryAt
	n.ExecuteAt = nextRetryAt
	n.ErrorMessage = &errMsg
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, id uuid.UUID, retries int, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.rows[id]
	n.Status = db.StatusFailed
	n.Retries = retries
	n.ErrorMessage = &errMsg
	return nil
}

type stubBuilder struct {
	err error
}

func (b *stubBuilder) Build(ctx context.Context, n *db.ScheduledNotification, language string) (*notify.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &notify.Message{Title: "t", Body: "b"}, nil
}

type stubSender struct {
	mu    sync.Mutex
	errs  []error // consumed per call; nil entry means success
	calls int
}

func (s *stubSender) Send(ctx context.Context, recipientID *uuid.UUID, msg *notify.Message) (*push.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	if err != nil {
		return &push.Result{}, err
	}
	return &push.Result{Success: true, MessageID: "msg-1"}, nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []*db.NotificationLog
}

func (l *memLogs) Append(ctx context.Context, entry *db.NotificationLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memLogs) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type stubRecipients struct {
	language string
}

func (r *stubRecipients) RecipientLanguage(ctx context.Context, recipientID uuid.UUID) (string, error) {
	if r.language == "" {
		return "en", nil
	}
	return r.language, nil
}

func newTestProcessor(queue *memQueue, builder Builder, sender Sender, logs *memLogs) *Processor {
	return New(queue, builder, sender, logs, &stubRecipients{}, Config{
		PollInterval: time.Hour, // batches are driven manually in tests
		BatchSize:    25,
	}, zap.NewNop())
}

func dueRow(recipientID *uuid.UUID, maxRetries int) *db.ScheduledNotification {
	raw, _ := json.Marshal(notify.MorningReminderPayload{PrayerTime: "05:12"})
	return &db.ScheduledNotification{
		ID:          uuid.New(),
		RecipientID: recipientID,
		Category:    notify.CategoryMorningReminder,
		ExecuteAt:   time.Now().UTC().Add(-time.Minute),
		Payload:     raw,
		Status:      db.StatusPending,
		MaxRetries:  maxRetries,
	}
}

func TestProcessor_SuccessfulDelivery(t *testing.T) {
	queue := newMemQueue()
	logs := &memLogs{}
	recipientID := uuid.New()
	n := dueRow(&recipientID, 3)
	queue.add(n)

	p := newTestProcessor(queue, &stubBuilder{}, &stubSender{}, logs)
	p.ProcessBatch(context.Background())

	if got := queue.get(n.ID).Status; got != db.StatusSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if logs.count() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.count())
	}
	if logs.entries[0].Result != db.ResultSent {
		t.Errorf("expected sent log, got %s", logs.entries[0].Result)
	}
	if logs.entries[0].ProviderMessageID == nil || *logs.entries[0].ProviderMessageID != "msg-1" {
		t.Errorf("log should carry the provider message ID")
	}
}

func TestProcessor_TransientFailureSchedulesRetry(t *testing.T) {
	queue := newMemQueue()
	logs := &memLogs{}
	recipientID := uuid.New()
	n := dueRow(&recipientID, 3)
	queue.add(n)

	sender := &stubSender{errs: []error{push.Transient(errors.New("provider down"))}}
	p := newTestProcessor(queue, &stubBuilder{}, sender, logs)
	p.ProcessBatch(context.Background())

	row := queue.get(n.ID)
	if row.Status != db.StatusPending {
		t.Fatalf("expected pending for retry, got %s", row.Status)
	}
	if row.Retries != 1 {
		t.Errorf("expected retries 1, got %d", row.Retries)
	}
	if row.NextRetryAt == nil || !row.NextRetryAt.After(time.Now().UTC()) {
		t.Error("next retry should be in the future")
	}
	if logs.count() != 1 || logs.entries[0].Result != db.ResultFailed {
		t.Errorf("each attempt appends one failed log entry")
	}
}

func TestProcessor_ExhaustedRetriesMarksFailed(t *testing.T) {
	// maxRetries=2 allows 3 total attempts; every attempt leaves a log row
	// and the final state carries retries=2.
	queue := newMemQueue()
	logs := &memLogs{}
	recipientID := uuid.New()
	n := dueRow(&recipientID, 2)
	queue.add(n)

	transient := push.Transient(errors.New("provider down"))
	sender := &stubSender{errs: []error{transient, transient, transient}}
	p := newTestProcessor(queue, &stubBuilder{}, sender, logs)

	for i := 0; i < 3; i++ {
		row := queue.get(n.ID)
		// Later attempts are gated on NextRetryAt; rewind it so the row is
		// immediately due again.
		if row.NextRetryAt != nil {
			past := time.Now().UTC().Add(-time.Second)
			queue.mu.Lock()
			row.NextRetryAt = &past
			row.ExecuteAt = past
			queue.mu.Unlock()
		}
		p.ProcessBatch(context.Background())
	}

	row := queue.get(n.ID)
	if row.Status != db.StatusFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", row.Status)
	}
	if row.Retries != 2 {
		t.Errorf("retries must never exceed max_retries: got %d", row.Retries)
	}
	if sender.calls != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", sender.calls)
	}
	if logs.count() != 3 {
		t.Errorf("expected 3 log entries, got %d", logs.count())
	}
}

func TestProcessor_PermanentBuildFailureSkipsDelivery(t *testing.T) {
	queue := newMemQueue()
	logs := &memLogs{}
	recipientID := uuid.New()
	n := dueRow(&recipientID, 3)
	queue.add(n)

	sender := &stubSender{}
	p := newTestProcessor(queue, &stubBuilder{err: notify.ErrContentNotFound}, sender, logs)
	p.ProcessBatch(context.Background())

	row := queue.get(n.ID)
	if row.Status != db.StatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if sender.calls != 0 {
		t.Errorf("build failures must not reach the transport")
	}
	if logs.count() != 1 || logs.entries[0].Result != db.ResultFailed {
		t.Error("permanent failure still appends a log entry")
	}
}

func TestProcessor_PermanentSendFailureDoesNotRetry(t *testing.T) {
	queue := newMemQueue()
	logs := &memLogs{}
	recipientID := uuid.New()
	n := dueRow(&recipientID, 3)
	queue.add(n)

	sender := &stubSender{errs: []error{push.ErrNoActiveEndpoints}}
	p := newTestProcessor(queue, &stubBuilder{}, sender, logs)
	p.ProcessBatch(context.Background())

	row := queue.get(n.ID)
	if row.Status != db.StatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if row.Retries != 0 {
		t.Errorf("permanent failure must not consume the retry budget, got %d", row.Retries)
	}
}

func TestProcessor_ClaimExclusivity(t *testing.T) {
	// Two processors share the queue; conditional claims mean each due row
	// is delivered exactly once.
	queue := newMemQueue()
	logs := &memLogs{}
	recipientID := uuid.New()
	for i := 0; i < 10; i++ {
		queue.add(dueRow(&recipientID, 3))
	}

	sender := &stubSender{}
	p1 := newTestProcessor(queue, &stubBuilder{}, sender, logs)
	p2 := newTestProcessor(queue, &stubBuilder{}, sender, logs)

	var wg sync.WaitGroup
	for _, p := range []*Processor{p1, p2} {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.ProcessBatch(context.Background())
		}(p)
	}
	wg.Wait()

	if sender.calls != 10 {
		t.Errorf("expected exactly 10 deliveries across both processors, got %d", sender.calls)
	}
}

func TestProcessor_BatchIsolation(t *testing.T) {
	queue := newMemQueue()
	logs := &memLogs{}
	badRecipient := uuid.New()
	goodRecipient := uuid.New()
	bad := dueRow(&badRecipient, 0)
	good := dueRow(&goodRecipient, 3)
	queue.add(bad)
	queue.add(good)

	sender := &routingSender{failFor: badRecipient}
	p := newTestProcessor(queue, &stubBuilder{}, sender, logs)

	p.ProcessBatch(context.Background())

	if got := queue.get(good.ID).Status; got != db.StatusSent {
		t.Errorf("good row should be sent despite sibling failure, got %s", got)
	}
	if got := queue.get(bad.ID).Status; got != db.StatusFailed {
		t.Errorf("bad row should be failed, got %s", got)
	}
}

// routingSender fails deliveries for one recipient and succeeds otherwise.
type routingSender struct {
	failFor uuid.UUID
}

func (r *routingSender) Send(ctx context.Context, recipientID *uuid.UUID, msg *notify.Message) (*push.Result, error) {
	if recipientID != nil && *recipientID == r.failFor {
		return &push.Result{}, push.Transient(errors.New("provider down"))
	}
	return &push.Result{Success: true, MessageID: "msg-ok"}, nil
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{9, 512 * time.Second},
		{10, maxBackoff},
		{11, maxBackoff},
		{50, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoff(tt.retries); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.retries, got, tt.want)
		}
	}
}
