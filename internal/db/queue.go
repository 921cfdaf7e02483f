package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrDuplicateKey indicates a concurrent insert already holds the unique key
// in a non-terminal state. Callers treat this as an idempotent skip.
var ErrDuplicateKey = errors.New("unique key already scheduled")

// ErrNotFound is returned when a queue row does not exist.
var ErrNotFound = errors.New("notification not found")

const notificationColumns = `
	id, recipient_id, category, execute_at, payload,
	status, unique_key, retries, max_retries, next_retry_at,
	processed_at, error_message, created_at, updated_at
`

// QueueRepository owns the scheduled_notifications table. Every status
// mutation is a conditional update keyed on the row's expected prior status,
// never a blind overwrite, so concurrent claims are safe without locks.
type QueueRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewQueueRepository creates a queue repository.
func NewQueueRepository(db *DB, logger *zap.Logger) *QueueRepository {
	return &QueueRepository{
		db:     db,
		logger: logger,
	}
}

func scanNotification(row pgx.Row) (*ScheduledNotification, error) {
	var n ScheduledNotification
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.Category,
		&n.ExecuteAt,
		&n.Payload,
		&n.Status,
		&n.UniqueKey,
		&n.Retries,
		&n.MaxRetries,
		&n.NextRetryAt,
		&n.ProcessedAt,
		&n.ErrorMessage,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new pending queue row. A unique-key collision with a
// non-terminal row (enforced by the partial unique index) is reported as
// ErrDuplicateKey.
func (r *QueueRepository) Create(ctx context.Context, n *ScheduledNotification) error {
	query := `
		INSERT INTO scheduled_notifications (
			id, recipient_id, category, execute_at, payload,
			status, unique_key, retries, max_retries
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.RecipientID,
		n.Category,
		n.ExecuteAt,
		n.Payload,
		n.Status,
		n.UniqueKey,
		n.Retries,
		n.MaxRetries,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		r.logger.Error("failed to insert queue row",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
			zap.String("category", n.Category),
		)
		return fmt.Errorf("insert scheduled notification: %w", err)
	}

	return nil
}

// Get retrieves a queue row by ID.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*ScheduledNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM scheduled_notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scheduled notification: %w", err)
	}
	return n, nil
}

// FindActiveByUniqueKey returns the non-terminal row holding the key, or nil.
func (r *QueueRepository) FindActiveByUniqueKey(ctx context.Context, key string) (*ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications
		WHERE unique_key = $1 AND status IN ($2, $3)
		LIMIT 1
	`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, key, StatusPending, StatusProcessing))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active unique key: %w", err)
	}
	return n, nil
}

// ListDue returns pending rows due at or before the given instant, oldest
// first, bounded by limit.
func (r *QueueRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications
		WHERE status = $1 AND execute_at <= $2
		ORDER BY execute_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusPending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	var due []*ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due notification: %w", err)
		}
		due = append(due, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due notifications: %w", err)
	}

	return due, nil
}

// ClaimPending transitions a row from pending to processing and stamps
// processed_at. Returns false when the row was already claimed, cancelled or
// otherwise no longer pending; the caller skips such rows.
func (r *QueueRepository) ClaimPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, processed_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusProcessing, now, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkSent transitions a processing row to sent.
func (r *QueueRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("mark sent: %w", ErrNotFound)
	}
	return nil
}

// ScheduleRetry reverts a processing row to pending with execute_at advanced
// to nextRetryAt, so it re-enters the due set after the backoff window.
func (r *QueueRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, retries int, nextRetryAt time.Time, errMsg string) error {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, retries = $2, next_retry_at = $3, execute_at = $3,
		    error_message = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusPending, retries, nextRetryAt, errMsg, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule retry: %w", ErrNotFound)
	}
	return nil
}

// MarkFailed transitions a processing row to failed with the final error.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, retries int, errMsg string) error {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, retries = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailed, retries, errMsg, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("mark failed: %w", ErrNotFound)
	}
	return nil
}

// CancelByUniqueKey cancels every pending row holding the key and returns the
// count. Rows already processing or terminal are untouched: cancellation is
// best-effort against a concurrent claim.
func (r *QueueRepository) CancelByUniqueKey(ctx context.Context, key string) (int64, error) {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, updated_at = NOW()
		WHERE unique_key = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusCancelled, key, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("cancel by unique key: %w", err)
	}
	return result.RowsAffected(), nil
}

// ResetFailed puts a failed row back into the queue with a fresh retry
// budget. Used by the operator retry endpoint.
func (r *QueueRepository) ResetFailed(ctx context.Context, id uuid.UUID, executeAt time.Time) error {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, retries = 0, error_message = NULL, next_retry_at = NULL,
		    execute_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusPending, executeAt, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("reset failed notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("reset failed notification: %w", ErrNotFound)
	}

	r.logger.Info("failed notification requeued", zap.String("notification_id", id.String()))
	return nil
}

// ReleaseStale reverts processing rows whose claim is older than the cutoff
// back to pending so a later run can re-claim them. Recovers rows stranded by
// a crashed processor.
func (r *QueueRepository) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND processed_at < $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusPending, StatusProcessing, olderThan)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}

	released := result.RowsAffected()
	if released > 0 {
		r.logger.Warn("released stale processing claims", zap.Int64("count", released))
	}
	return released, nil
}

// ListByStatus returns rows in the given status, newest first.
func (r *QueueRepository) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications by status: %w", err)
	}
	defer rows.Close()

	var list []*ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}

	return list, nil
}

// CountByStatus returns the number of rows in the given status. Feeds the
// queue depth gauge.
func (r *QueueRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_notifications WHERE status = $1`, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

// PurgeTerminalBefore deletes terminal rows older than the cutoff. Normal
// operation never deletes queue rows; only this retention job does.
func (r *QueueRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM scheduled_notifications
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal notifications: %w", err)
	}
	return result.RowsAffected(), nil
}
