package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ContentRepository is the read-only view of the content catalogs the
// message builder resolves against. Catalog CRUD lives elsewhere.
type ContentRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewContentRepository creates a content repository.
func NewContentRepository(db *DB, logger *zap.Logger) *ContentRepository {
	return &ContentRepository{
		db:     db,
		logger: logger,
	}
}

// GetQuote fetches a quote by ID. Returns ErrNotFound when the quote has
// been removed from the catalog.
func (r *ContentRepository) GetQuote(ctx context.Context, id uuid.UUID) (*Quote, error) {
	var q Quote
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, text, author, language FROM quotes WHERE id = $1`, id,
	).Scan(&q.ID, &q.Text, &q.Author, &q.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query quote: %w", err)
	}
	return &q, nil
}

// GetEvent fetches a religious event by ID. Returns ErrNotFound when the
// event has been removed from the catalog.
func (r *ContentRepository) GetEvent(ctx context.Context, id uuid.UUID) (*ReligiousEvent, error) {
	var ev ReligiousEvent
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, title, description, starts_at FROM religious_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Title, &ev.Description, &ev.StartsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return &ev, nil
}

// PickQuoteForDay deterministically rotates through the catalog by day so
// the broadcast producer promotes one quote per calendar day.
func (r *ContentRepository) PickQuoteForDay(ctx context.Context, language string, day time.Time) (*Quote, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM quotes WHERE language = $1`, language,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count quotes: %w", err)
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	offset := day.UTC().Unix() / 86400 % count

	var q Quote
	err = r.db.Pool().QueryRow(ctx, `
		SELECT id, text, author, language
		FROM quotes
		WHERE language = $1
		ORDER BY created_at, id
		LIMIT 1 OFFSET $2
	`, language, offset).Scan(&q.ID, &q.Text, &q.Author, &q.Language)
	if err != nil {
		return nil, fmt.Errorf("pick quote for day: %w", err)
	}
	return &q, nil
}
