// Package worker runs the queue processor: it claims due rows, builds
// concrete messages, hands them to the delivery sender and drives the
// pending/processing/sent/failed state machine.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/metrics"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/push"
)

// Queue is the claim/transition surface of the queue repository. Every
// transition is conditional on the row's prior status, so overlapping
// processor runs are safe.
type Queue interface {
	ListDue(ctx context.Context, before time.Time, limit int) ([]*db.ScheduledNotification, error)
	ClaimPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, retries int, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, retries int, errMsg string) error
}

// Builder renders a queue row into a deliverable message.
type Builder interface {
	Build(ctx context.Context, n *db.ScheduledNotification, language string) (*notify.Message, error)
}

// Sender delivers a built message to a recipient's endpoints or a topic.
type Sender interface {
	Send(ctx context.Context, recipientID *uuid.UUID, msg *notify.Message) (*push.Result, error)
}

// Logs appends one record per delivery attempt.
type Logs interface {
	Append(ctx context.Context, entry *db.NotificationLog) error
}

// Recipients resolves the language a recipient's message renders in.
type Recipients interface {
	RecipientLanguage(ctx context.Context, recipientID uuid.UUID) (string, error)
}

// Config tunes the processor.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	DefaultLanguage string
}

// Processor polls the queue on a fixed interval and processes due rows.
type Processor struct {
	queue      Queue
	builder    Builder
	sender     Sender
	logs       Logs
	recipients Recipients
	config     Config
	logger     *zap.Logger

	// Single-flight guard: overlapping ticks skip instead of stacking.
	// Conditional claims keep us correct even if this guard fails, e.g.
	// after a crash leaves stale processing rows.
	running sync.Mutex
}

// New creates a queue processor.
func New(queue Queue, builder Builder, sender Sender, logs Logs, recipients Recipients, cfg Config, logger *zap.Logger) *Processor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}

	return &Processor{
		queue:      queue,
		builder:    builder,
		sender:     sender,
		logs:       logs,
		recipients: recipients,
		config:     cfg,
		logger:     logger,
	}
}

// Start runs the poll loop until the context is cancelled.
func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue processor stopping")
			return
		case <-ticker.C:
			if !p.running.TryLock() {
				p.logger.Debug("previous batch still running, skipping tick")
				continue
			}
			p.ProcessBatch(ctx)
			p.running.Unlock()
		}
	}
}

// ProcessBatch claims and processes up to BatchSize due rows. Each row's
// outcome is isolated: one failure never aborts the rest of the batch.
func (p *Processor) ProcessBatch(ctx context.Context) {
	now := time.Now().UTC()

	due, err := p.queue.ListDue(ctx, now, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to list due notifications", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	p.logger.Debug("processing due notifications", zap.Int("count", len(due)))
	for _, n := range due {
		p.processOne(ctx, n, now)
	}
}

func (p *Processor) processOne(ctx context.Context, n *db.ScheduledNotification, now time.Time) {
	claimed, err := p.queue.ClaimPending(ctx, n.ID, now)
	if err != nil {
		p.logger.Error("claim failed", zap.Error(err), zap.String("notification_id", n.ID.String()))
		return
	}
	if !claimed {
		// Another run claimed it, or it was cancelled between listing and
		// claiming. Either way it is no longer ours.
		return
	}

	language := p.config.DefaultLanguage
	if n.RecipientID != nil {
		if lang, err := p.recipients.RecipientLanguage(ctx, *n.RecipientID); err == nil && lang != "" {
			language = lang
		}
	}

	msg, err := p.builder.Build(ctx, n, language)
	if err != nil {
		// Malformed payloads and vanished content are permanent: the row
		// will never build successfully, so retrying is pointless.
		p.fail(ctx, n, nil, err)
		return
	}

	result, err := p.sender.Send(ctx, n.RecipientID, msg)
	if err == nil {
		p.succeed(ctx, n, result)
		return
	}

	if push.IsTransient(err) && n.Retries < n.MaxRetries {
		p.retry(ctx, n, err)
		return
	}
	p.fail(ctx, n, result, err)
}

func (p *Processor) succeed(ctx context.Context, n *db.ScheduledNotification, result *push.Result) {
	if err := p.queue.MarkSent(ctx, n.ID); err != nil {
		p.logger.Error("failed to mark sent", zap.Error(err), zap.String("notification_id", n.ID.String()))
	}

	var providerID *string
	if result != nil && result.MessageID != "" {
		providerID = &result.MessageID
	}
	p.appendLog(ctx, n, db.ResultSent, providerID, nil)

	metrics.RecordProcessed(db.StatusSent, n.Category)
	metrics.RecordDeliveryLatency(n.Category, time.Since(n.ExecuteAt))
	if result != nil {
		for _, ep := range result.Endpoints {
			if ep.Deactivated {
				metrics.RecordEndpointDeactivated()
			}
		}
	}
	p.logger.Info("notification sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("category", n.Category),
		zap.Int("retries", n.Retries),
	)
}

func (p *Processor) retry(ctx context.Context, n *db.ScheduledNotification, sendErr error) {
	retries := n.Retries + 1
	nextRetryAt := time.Now().UTC().Add(backoff(retries))

	if err := p.queue.ScheduleRetry(ctx, n.ID, retries, nextRetryAt, sendErr.Error()); err != nil {
		p.logger.Error("failed to schedule retry", zap.Error(err), zap.String("notification_id", n.ID.String()))
	}
	p.appendLog(ctx, n, db.ResultFailed, nil, sendErr)

	metrics.RecordProcessed("retried", n.Category)
	p.logger.Warn("delivery failed, retry scheduled",
		zap.String("notification_id", n.ID.String()),
		zap.String("category", n.Category),
		zap.Int("retries", retries),
		zap.Int("max_retries", n.MaxRetries),
		zap.Time("next_retry_at", nextRetryAt),
		zap.Error(sendErr),
	)
}

func (p *Processor) fail(ctx context.Context, n *db.ScheduledNotification, result *push.Result, sendErr error) {
	if err := p.queue.MarkFailed(ctx, n.ID, n.Retries, sendErr.Error()); err != nil {
		p.logger.Error("failed to mark failed", zap.Error(err), zap.String("notification_id", n.ID.String()))
	}
	p.appendLog(ctx, n, db.ResultFailed, nil, sendErr)

	metrics.RecordProcessed(db.StatusFailed, n.Category)
	p.logger.Error("notification failed",
		zap.String("notification_id", n.ID.String()),
		zap.String("category", n.Category),
		zap.Int("retries", n.Retries),
		zap.Error(sendErr),
	)

	if result != nil {
		for _, ep := range result.Endpoints {
			if ep.Deactivated {
				metrics.RecordEndpointDeactivated()
			}
		}
	}
}

func (p *Processor) appendLog(ctx context.Context, n *db.ScheduledNotification, result string, providerID *string, attemptErr error) {
	entry := &db.NotificationLog{
		RecipientID:       n.RecipientID,
		Category:          n.Category,
		PayloadSnapshot:   n.Payload,
		Result:            result,
		ProviderMessageID: providerID,
		SentAt:            time.Now().UTC(),
		RetriedCount:      n.Retries,
	}
	if attemptErr != nil {
		msg := attemptErr.Error()
		entry.Error = &msg
	}

	if err := p.logs.Append(ctx, entry); err != nil {
		p.logger.Error("failed to append delivery log",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}
}

const maxBackoff = 15 * time.Minute

// backoff grows 2^retries seconds, capped.
func backoff(retries int) time.Duration {
	if retries > 10 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(retries)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
