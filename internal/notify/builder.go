package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
)

// ErrContentNotFound marks referenced content that no longer exists. The
// processor treats it as a permanent failure: the quote or event is gone, so
// retrying is pointless.
var ErrContentNotFound = errors.New("referenced content not found")

// ContentResolver is the content-catalog collaborator the builder reads.
type ContentResolver interface {
	GetQuote(ctx context.Context, id uuid.UUID) (*db.Quote, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*db.ReligiousEvent, error)
}

// Builder renders a queue row into a concrete Message by dispatching on the
// payload variant and resolving any referenced content.
type Builder struct {
	content   ContentResolver
	templates Templates
	logger    *zap.Logger
}

// NewBuilder creates a message builder over an immutable template set.
func NewBuilder(content ContentResolver, templates Templates, logger *zap.Logger) *Builder {
	return &Builder{
		content:   content,
		templates: templates,
		logger:    logger,
	}
}

// Build decodes the row's payload and renders the message in the given
// language. Decode failures and missing content are permanent errors.
func (b *Builder) Build(ctx context.Context, n *db.ScheduledNotification, language string) (*Message, error) {
	payload, err := DecodePayload(n.Category, n.Payload)
	if err != nil {
		return nil, err
	}

	switch p := payload.(type) {
	case MorningReminderPayload:
		return b.render(language, n.Category, map[string]string{
			"prayer_time": p.PrayerTime,
			"city":        p.City,
		}, map[string]string{
			"category": n.Category,
		})

	case DailyQuotePayload:
		quote, err := b.content.GetQuote(ctx, p.QuoteID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: quote %s", ErrContentNotFound, p.QuoteID)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve quote: %w", err)
		}
		author := ""
		if quote.Author != nil {
			author = *quote.Author
		}
		return b.render(language, n.Category, map[string]string{
			"quote":  quote.Text,
			"author": author,
		}, map[string]string{
			"category": n.Category,
			"quote_id": quote.ID.String(),
		})

	case EventReminderPayload:
		event, err := b.content.GetEvent(ctx, p.EventID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: event %s", ErrContentNotFound, p.EventID)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve event: %w", err)
		}
		description := ""
		if event.Description != nil {
			description = *event.Description
		}
		return b.render(language, n.Category, map[string]string{
			"event_title":       event.Title,
			"event_description": description,
		}, map[string]string{
			"category": n.Category,
			"event_id": event.ID.String(),
		})

	case StreakEscalationPayload:
		return b.render(language, n.Category, map[string]string{
			"missed_days": strconv.Itoa(p.MissedDays),
			"streak_days": strconv.Itoa(p.StreakDays),
		}, map[string]string{
			"category": n.Category,
		})

	case AdminAlertPayload:
		// Operator-authored content is delivered verbatim, no template.
		return &Message{
			Title: p.Title,
			Body:  p.Body,
			Data:  map[string]string{"category": n.Category},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, n.Category)
	}
}

func (b *Builder) render(language, category string, vars, data map[string]string) (*Message, error) {
	tpl, ok := b.templates.Lookup(language, category)
	if !ok {
		return nil, fmt.Errorf("%w: no template for %q", ErrUnknownCategory, category)
	}

	title, body := tpl.Render(vars)
	return &Message{
		Title: title,
		Body:  body,
		Data:  data,
	}, nil
}
