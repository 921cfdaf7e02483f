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

// DeviceRepository serves device endpoints and notification preferences.
// The subsystem reads both and only ever writes the is_active flag on
// endpoints; everything else belongs to the account-management surface.
type DeviceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDeviceRepository creates a device/preference repository.
func NewDeviceRepository(db *DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetActiveEndpoints returns every active device endpoint for a recipient,
// most recently registered first.
func (r *DeviceRepository) GetActiveEndpoints(ctx context.Context, recipientID uuid.UUID) ([]*DeviceEndpoint, error) {
	query := `
		SELECT id, recipient_id, token, platform, language, timezone,
		       is_active, created_at, updated_at
		FROM device_endpoints
		WHERE recipient_id = $1 AND is_active
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query active endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*DeviceEndpoint
	for rows.Next() {
		var ep DeviceEndpoint
		err := rows.Scan(
			&ep.ID,
			&ep.RecipientID,
			&ep.Token,
			&ep.Platform,
			&ep.Language,
			&ep.Timezone,
			&ep.IsActive,
			&ep.CreatedAt,
			&ep.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, &ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoints: %w", err)
	}

	return endpoints, nil
}

// DeactivateEndpoint flips is_active to false. Called when the push provider
// reports the token as permanently invalid. The row is never deleted here.
func (r *DeviceRepository) DeactivateEndpoint(ctx context.Context, endpointID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE device_endpoints
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active
	`, endpointID)
	if err != nil {
		return fmt.Errorf("deactivate endpoint: %w", err)
	}

	if result.RowsAffected() == 1 {
		r.logger.Info("device endpoint deactivated", zap.String("endpoint_id", endpointID.String()))
	}
	return nil
}

// RegisterEndpoint inserts or reactivates a device endpoint for a recipient.
func (r *DeviceRepository) RegisterEndpoint(ctx context.Context, ep *DeviceEndpoint) error {
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}

	query := `
		INSERT INTO device_endpoints (
			id, recipient_id, token, platform, language, timezone, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (recipient_id, token) DO UPDATE
		SET platform = EXCLUDED.platform,
		    language = EXCLUDED.language,
		    timezone = EXCLUDED.timezone,
		    is_active = TRUE,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ep.ID, ep.RecipientID, ep.Token, ep.Platform, ep.Language, ep.Timezone,
	).Scan(&ep.ID, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("register endpoint: %w", err)
	}

	return nil
}

// RecipientLocation resolves the recipient's timezone from their most
// recently registered active endpoint. Falls back to UTC when the recipient
// has no endpoints or the stored zone name is unknown.
func (r *DeviceRepository) RecipientLocation(ctx context.Context, recipientID uuid.UUID) (*time.Location, error) {
	var tz string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT timezone
		FROM device_endpoints
		WHERE recipient_id = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT 1
	`, recipientID).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.UTC, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient timezone: %w", err)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.logger.Warn("unknown timezone on endpoint, using UTC",
			zap.String("recipient_id", recipientID.String()),
			zap.String("timezone", tz),
		)
		return time.UTC, nil
	}
	return loc, nil
}

// RecipientLanguage resolves the recipient's language from their most
// recently registered active endpoint, empty when they have none.
func (r *DeviceRepository) RecipientLanguage(ctx context.Context, recipientID uuid.UUID) (string, error) {
	var lang string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT language
		FROM device_endpoints
		WHERE recipient_id = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT 1
	`, recipientID).Scan(&lang)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query recipient language: %w", err)
	}
	return lang, nil
}

// GetPreference returns the recipient's notification preference, or the
// default-allow preference when none has been stored yet.
func (r *DeviceRepository) GetPreference(ctx context.Context, recipientID uuid.UUID) (*NotificationPreference, error) {
	query := `
		SELECT recipient_id, morning_reminder, daily_quote, event_reminder,
		       quiet_hours_start, quiet_hours_end, created_at, updated_at
		FROM notification_preferences
		WHERE recipient_id = $1
	`

	var pref NotificationPreference
	err := r.db.Pool().QueryRow(ctx, query, recipientID).Scan(
		&pref.RecipientID,
		&pref.MorningReminder,
		&pref.DailyQuote,
		&pref.EventReminder,
		&pref.QuietHoursStart,
		&pref.QuietHoursEnd,
		&pref.CreatedAt,
		&pref.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPreference(recipientID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	return &pref, nil
}

// UpsertPreference stores a recipient's preference row.
func (r *DeviceRepository) UpsertPreference(ctx context.Context, pref *NotificationPreference) error {
	query := `
		INSERT INTO notification_preferences (
			recipient_id, morning_reminder, daily_quote, event_reminder,
			quiet_hours_start, quiet_hours_end
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recipient_id) DO UPDATE
		SET morning_reminder = EXCLUDED.morning_reminder,
		    daily_quote = EXCLUDED.daily_quote,
		    event_reminder = EXCLUDED.event_reminder,
		    quiet_hours_start = EXCLUDED.quiet_hours_start,
		    quiet_hours_end = EXCLUDED.quiet_hours_end,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		pref.RecipientID,
		pref.MorningReminder,
		pref.DailyQuote,
		pref.EventReminder,
		pref.QuietHoursStart,
		pref.QuietHoursEnd,
	).Scan(&pref.CreatedAt, &pref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}

	return nil
}

// DefaultPreference is the lazily-created allow-all preference.
func DefaultPreference(recipientID uuid.UUID) *NotificationPreference {
	return &NotificationPreference{
		RecipientID:     recipientID,
		MorningReminder: true,
		DailyQuote:      true,
		EventReminder:   true,
	}
}
