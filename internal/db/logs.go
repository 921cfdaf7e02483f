package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogRepository owns the append-only notification_logs table. Rows are
// inserted once per delivery attempt and never mutated; only the retention
// cleanup deletes them.
type LogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLogRepository creates a log repository.
func NewLogRepository(db *DB, logger *zap.Logger) *LogRepository {
	return &LogRepository{
		db:     db,
		logger: logger,
	}
}

// Aggregate summarises delivery attempts over a time window.
type Aggregate struct {
	TotalSent   int64            `json:"total_sent"`
	TotalFailed int64            `json:"total_failed"`
	ByCategory  map[string]int64 `json:"by_category"`
	SuccessRate float64          `json:"success_rate"`
	TopErrors   []ErrorCount     `json:"top_errors"`
}

// ErrorCount is one entry of the top-errors breakdown.
type ErrorCount struct {
	Error string `json:"error"`
	Count int64  `json:"count"`
}

// Append records one delivery attempt. Pure insert, no dedup.
func (r *LogRepository) Append(ctx context.Context, entry *NotificationLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_logs (
			id, recipient_id, category, payload_snapshot, result,
			provider_message_id, error, sent_at, retried_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		entry.ID,
		entry.RecipientID,
		entry.Category,
		entry.PayloadSnapshot,
		entry.Result,
		entry.ProviderMessageID,
		entry.Error,
		entry.SentAt,
		entry.RetriedCount,
	)
	if err != nil {
		r.logger.Error("failed to append notification log",
			zap.Error(err),
			zap.String("category", entry.Category),
			zap.String("result", entry.Result),
		)
		return fmt.Errorf("append notification log: %w", err)
	}

	return nil
}

// CountSentBetween counts sent attempts for a recipient inside [from, to).
// Serves the privacy gate's daily cap.
func (r *LogRepository) CountSentBetween(ctx context.Context, recipientID uuid.UUID, from, to time.Time) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*)
		FROM notification_logs
		WHERE recipient_id = $1 AND result = $2 AND sent_at >= $3 AND sent_at < $4
	`, recipientID, ResultSent, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent logs: %w", err)
	}
	return count, nil
}

// AggregateWindow aggregates delivery outcomes over [from, to], optionally
// restricted to one recipient.
func (r *LogRepository) AggregateWindow(ctx context.Context, from, to time.Time, recipientID *uuid.UUID) (*Aggregate, error) {
	agg := &Aggregate{ByCategory: make(map[string]int64)}

	query := `
		SELECT category, result, COUNT(*)
		FROM notification_logs
		WHERE sent_at >= $1 AND sent_at <= $2
		  AND ($3::uuid IS NULL OR recipient_id = $3)
		GROUP BY category, result
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to, recipientID)
	if err != nil {
		return nil, fmt.Errorf("aggregate notification logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, result string
		var count int64
		if err := rows.Scan(&category, &result, &count); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		agg.ByCategory[category] += count
		switch result {
		case ResultSent:
			agg.TotalSent += count
		case ResultFailed:
			agg.TotalFailed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate rows: %w", err)
	}

	if total := agg.TotalSent + agg.TotalFailed; total > 0 {
		agg.SuccessRate = float64(agg.TotalSent) / float64(total)
	}

	errQuery := `
		SELECT error, COUNT(*) AS cnt
		FROM notification_logs
		WHERE sent_at >= $1 AND sent_at <= $2
		  AND ($3::uuid IS NULL OR recipient_id = $3)
		  AND result = $4 AND error IS NOT NULL
		GROUP BY error
		ORDER BY cnt DESC
		LIMIT 5
	`

	errRows, err := r.db.Pool().Query(ctx, errQuery, from, to, recipientID, ResultFailed)
	if err != nil {
		return nil, fmt.Errorf("aggregate top errors: %w", err)
	}
	defer errRows.Close()

	for errRows.Next() {
		var ec ErrorCount
		if err := errRows.Scan(&ec.Error, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan top error row: %w", err)
		}
		agg.TopErrors = append(agg.TopErrors, ec)
	}
	if err := errRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top error rows: %w", err)
	}

	return agg, nil
}

// Cleanup deletes log rows older than the retention window. Queue rows are
// not touched.
func (r *LogRepository) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_logs WHERE sent_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup notification logs: %w", err)
	}

	deleted := result.RowsAffected()
	if deleted > 0 {
		r.logger.Info("notification logs cleaned up",
			zap.Int64("deleted", deleted),
			zap.Int("retention_days", retentionDays),
		)
	}
	return deleted, nil
}
