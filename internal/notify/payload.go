// Package notify defines the notification categories, their strongly-typed
// payloads and the message-building step that turns a queue row into a
// concrete push message.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Notification categories. A category identifies the payload variant and the
// template used to render it.
const (
	CategoryMorningReminder  = "MorningReminder"
	CategoryDailyQuote       = "DailyQuote"
	CategoryEventReminder    = "EventReminder"
	CategoryStreakEscalation = "StreakEscalation"
	CategoryAdminAlert       = "AdminAlert"
)

// ErrUnknownCategory is returned for a category with no payload variant.
var ErrUnknownCategory = errors.New("unknown notification category")

// ErrInvalidPayload is returned when a payload fails validation for its
// category. Enqueue rejects it synchronously; the processor treats it as a
// permanent failure.
var ErrInvalidPayload = errors.New("invalid notification payload")

// Payload is the tagged union of per-category payloads. Each variant carries
// only the fields its category needs, so dispatch is exhaustive and malformed
// payloads are caught at decode time rather than at delivery time.
type Payload interface {
	Category() string
	Validate() error
}

// MorningReminderPayload nudges a recipient ahead of the dawn prayer window.
type MorningReminderPayload struct {
	PrayerTime string `json:"prayer_time"`
	City       string `json:"city,omitempty"`
}

func (MorningReminderPayload) Category() string { return CategoryMorningReminder }

func (p MorningReminderPayload) Validate() error {
	if p.PrayerTime == "" {
		return fmt.Errorf("%w: prayer_time is required", ErrInvalidPayload)
	}
	return nil
}

// DailyQuotePayload references one quote from the content catalog.
type DailyQuotePayload struct {
	QuoteID uuid.UUID `json:"quote_id"`
}

func (DailyQuotePayload) Category() string { return CategoryDailyQuote }

func (p DailyQuotePayload) Validate() error {
	if p.QuoteID == uuid.Nil {
		return fmt.Errorf("%w: quote_id is required", ErrInvalidPayload)
	}
	return nil
}

// EventReminderPayload references one religious event from the catalog.
type EventReminderPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

func (EventReminderPayload) Category() string { return CategoryEventReminder }

func (p EventReminderPayload) Validate() error {
	if p.EventID == uuid.Nil {
		return fmt.Errorf("%w: event_id is required", ErrInvalidPayload)
	}
	return nil
}

// StreakEscalationPayload alerts a recipient whose check-in streak is about
// to lapse. Urgent: bypasses quiet hours and the daily cap.
type StreakEscalationPayload struct {
	MissedDays int `json:"missed_days"`
	StreakDays int `json:"streak_days"`
}

func (StreakEscalationPayload) Category() string { return CategoryStreakEscalation }

func (p StreakEscalationPayload) Validate() error {
	if p.MissedDays < 0 || p.StreakDays < 0 {
		return fmt.Errorf("%w: day counts must be non-negative", ErrInvalidPayload)
	}
	return nil
}

// AdminAlertPayload carries operator-authored title and body verbatim.
// Urgent: bypasses quiet hours and the daily cap.
type AdminAlertPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (AdminAlertPayload) Category() string { return CategoryAdminAlert }

func (p AdminAlertPayload) Validate() error {
	if p.Title == "" || p.Body == "" {
		return fmt.Errorf("%w: title and body are required", ErrInvalidPayload)
	}
	return nil
}

// KnownCategory reports whether the category has a payload variant.
func KnownCategory(category string) bool {
	switch category {
	case CategoryMorningReminder, CategoryDailyQuote, CategoryEventReminder,
		CategoryStreakEscalation, CategoryAdminAlert:
		return true
	}
	return false
}

// DecodePayload decodes and validates the raw payload for a category.
func DecodePayload(category string, raw json.RawMessage) (Payload, error) {
	var p Payload

	switch category {
	case CategoryMorningReminder:
		var v MorningReminderPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case CategoryDailyQuote:
		var v DailyQuotePayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case CategoryEventReminder:
		var v EventReminderPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case CategoryStreakEscalation:
		var v StreakEscalationPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case CategoryAdminAlert:
		var v AdminAlertPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload serializes a payload for storage in the queue row.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
