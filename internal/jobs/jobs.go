// Package jobs runs the periodic maintenance work around the queue: stale
// claim recovery, log retention, queue depth gauges and the daily quote
// broadcast producer.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/metrics"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/scheduler"
)

// QuotePicker selects the quote of the day from the content catalog.
type QuotePicker interface {
	PickQuoteForDay(ctx context.Context, language string, day time.Time) (*db.Quote, error)
}

// Queue is the maintenance surface of the queue repository.
type Queue interface {
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Logs is the retention surface of the log repository.
type Logs interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Enqueuer schedules notifications; satisfied by the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*scheduler.EnqueueResult, error)
}

// Config controls job cadence and retention.
type Config struct {
	StaleAfter       time.Duration // processing claims older than this are released
	LogRetentionDays int           // delivery log rows older than this are deleted
	QuoteLanguage    string        // catalog language for the daily quote
	QuoteHourUTC     int           // hour of day (UTC) the daily quote goes out
}

// Runner owns the cron schedule for background maintenance.
type Runner struct {
	cron     *cron.Cron
	queue    Queue
	logs     Logs
	content  QuotePicker
	enqueuer Enqueuer
	cfg      Config
	logger   *zap.Logger
}

// NewRunner creates a runner with the standard job set registered.
func NewRunner(queue Queue, logs Logs, content QuotePicker, enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Runner {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.LogRetentionDays <= 0 {
		cfg.LogRetentionDays = 90
	}
	if cfg.QuoteLanguage == "" {
		cfg.QuoteLanguage = "en"
	}
	if cfg.QuoteHourUTC <= 0 || cfg.QuoteHourUTC > 23 {
		cfg.QuoteHourUTC = 9
	}

	return &Runner{
		cron:     cron.New(),
		queue:    queue,
		logs:     logs,
		content:  content,
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start registers and launches the cron jobs. Each job runs with its own
// timeout so a slow database cannot wedge the scheduler goroutine.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc("@every 1m", r.withTimeout(time.Minute, r.SweepStaleClaims)); err != nil {
		return fmt.Errorf("register stale sweep: %w", err)
	}

	if _, err := r.cron.AddFunc("@every 30s", r.withTimeout(15*time.Second, r.RefreshQueueDepth)); err != nil {
		return fmt.Errorf("register queue depth refresh: %w", err)
	}

	// Retention runs in the quiet early morning window.
	if _, err := r.cron.AddFunc("0 3 * * *", r.withTimeout(10*time.Minute, r.CleanupLogs)); err != nil {
		return fmt.Errorf("register log cleanup: %w", err)
	}

	spec := fmt.Sprintf("0 %d * * *", r.cfg.QuoteHourUTC)
	if _, err := r.cron.AddFunc(spec, r.withTimeout(time.Minute, r.EnqueueDailyQuote)); err != nil {
		return fmt.Errorf("register daily quote: %w", err)
	}

	r.cron.Start()
	r.logger.Info("background jobs started",
		zap.Duration("stale_after", r.cfg.StaleAfter),
		zap.Int("log_retention_days", r.cfg.LogRetentionDays),
		zap.Int("quote_hour_utc", r.cfg.QuoteHourUTC),
	)
	return nil
}

// Stop halts the cron schedule and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("background jobs stopped")
}

func (r *Runner) withTimeout(d time.Duration, job func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		job(ctx)
	}
}

// SweepStaleClaims releases processing rows stranded by a crashed worker so
// they become claimable again.
func (r *Runner) SweepStaleClaims(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)

	released, err := r.queue.ReleaseStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("stale claim sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		metrics.RecordStaleClaimsReleased(released)
		r.logger.Warn("released stale claims",
			zap.Int64("count", released),
			zap.Time("cutoff", cutoff),
		)
	}
}

// RefreshQueueDepth updates the per-status queue depth gauges.
func (r *Runner) RefreshQueueDepth(ctx context.Context) {
	for _, status := range []string{db.StatusPending, db.StatusProcessing, db.StatusFailed} {
		count, err := r.queue.CountByStatus(ctx, status)
		if err != nil {
			r.logger.Warn("queue depth refresh failed",
				zap.Error(err),
				zap.String("status", status),
			)
			continue
		}
		metrics.SetQueueDepth(status, count)
	}
}

// CleanupLogs enforces log retention and purges terminal queue rows older
// than the retention window.
func (r *Runner) CleanupLogs(ctx context.Context) {
	deleted, err := r.logs.Cleanup(ctx, r.cfg.LogRetentionDays)
	if err != nil {
		r.logger.Error("log cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		metrics.RecordLogsCleanedUp(deleted)
		r.logger.Info("old delivery logs deleted", zap.Int64("count", deleted))
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.LogRetentionDays)
	purged, err := r.queue.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("terminal queue purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		r.logger.Info("terminal queue rows purged", zap.Int64("count", purged))
	}
}

// EnqueueDailyQuote schedules the daily quote broadcast. The unique key pins
// one broadcast per calendar day, so reruns and multi-instance deployments
// dedup at the queue table.
func (r *Runner) EnqueueDailyQuote(ctx context.Context) {
	today := time.Now().UTC()

	quote, err := r.content.PickQuoteForDay(ctx, r.cfg.QuoteLanguage, today)
	if err != nil {
		r.logger.Error("daily quote selection failed", zap.Error(err))
		return
	}

	key := "daily-quote:" + today.Format("2006-01-02")
	result, err := r.enqueuer.Enqueue(ctx, scheduler.EnqueueRequest{
		RecipientID: nil, // broadcast
		ExecuteAt:   today,
		Payload:     notify.DailyQuotePayload{QuoteID: quote.ID},
		UniqueKey:   &key,
	})
	if err != nil {
		r.logger.Error("daily quote enqueue failed", zap.Error(err))
		return
	}

	r.logger.Info("daily quote scheduled",
		zap.String("quote_id", quote.ID.String()),
		zap.String("outcome", string(result.Outcome)),
	)
}
