package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduledNotification is one row of the durable notification queue.
// RecipientID is nil for broadcast (topic) notifications.
type ScheduledNotification struct {
	ID           uuid.UUID       `json:"id"`
	RecipientID  *uuid.UUID      `json:"recipient_id,omitempty"`
	Category     string          `json:"category"`
	ExecuteAt    time.Time       `json:"execute_at"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	UniqueKey    *string         `json:"unique_key,omitempty"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Status constants for scheduled notifications. Sent, Failed and Cancelled
// are terminal: a row in one of those states is never claimed again.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminalStatus reports whether a queue row status will never change again.
func IsTerminalStatus(status string) bool {
	return status == StatusSent || status == StatusFailed || status == StatusCancelled
}

// Delivery results recorded in notification_logs.
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

// NotificationLog is an append-only record of a single delivery attempt.
type NotificationLog struct {
	ID                uuid.UUID       `json:"id"`
	RecipientID       *uuid.UUID      `json:"recipient_id,omitempty"`
	Category          string          `json:"category"`
	PayloadSnapshot   json.RawMessage `json:"payload_snapshot"`
	Result            string          `json:"result"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	Error             *string         `json:"error,omitempty"`
	SentAt            time.Time       `json:"sent_at"`
	RetriedCount      int             `json:"retried_count"`
}

// NotificationPreference holds a recipient's per-category opt-outs and an
// optional quiet-hours window ("HH:MM" strings, may wrap past midnight).
type NotificationPreference struct {
	RecipientID     uuid.UUID `json:"recipient_id"`
	MorningReminder bool      `json:"morning_reminder"`
	DailyQuote      bool      `json:"daily_quote"`
	EventReminder   bool      `json:"event_reminder"`
	QuietHoursStart *string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string   `json:"quiet_hours_end,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DeviceEndpoint is one push-capable device registered by a recipient.
type DeviceEndpoint struct {
	ID          uuid.UUID `json:"id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Token       string    `json:"token"`
	Platform    string    `json:"platform"`
	Language    string    `json:"language"`
	Timezone    string    `json:"timezone"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Quote is a row of the daily-quote content catalog.
type Quote struct {
	ID       uuid.UUID `json:"id"`
	Text     string    `json:"text"`
	Author   *string   `json:"author,omitempty"`
	Language string    `json:"language"`
}

// ReligiousEvent is a row of the event content catalog.
type ReligiousEvent struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	StartsAt    time.Time `json:"starts_at"`
}
