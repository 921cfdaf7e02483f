// Package privacy decides whether a notification may be delivered to a
// recipient at a given instant: category opt-outs, recipient-local quiet
// hours and the daily send cap, with urgent categories exempt from all three.
package privacy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
)

// PreferenceStore is the read-only preference/timezone surface the gate
// consults.
type PreferenceStore interface {
	GetPreference(ctx context.Context, recipientID uuid.UUID) (*db.NotificationPreference, error)
	RecipientLocation(ctx context.Context, recipientID uuid.UUID) (*time.Location, error)
}

// SentCounter counts sent log entries inside a window. Serves the daily cap.
type SentCounter interface {
	CountSentBetween(ctx context.Context, recipientID uuid.UUID, from, to time.Time) (int, error)
}

// Decision reasons, for debug logging and tests.
const (
	ReasonAllowed    = "allowed"
	ReasonUrgent     = "urgent"
	ReasonOptedOut   = "opted_out"
	ReasonQuietHours = "quiet_hours"
	ReasonDailyCap   = "daily_cap"
)

// Decision is the gate's verdict with the rule that produced it.
type Decision struct {
	Allow  bool
	Reason string
}

// Config tunes the gate.
type Config struct {
	// UrgentCategories bypass every remaining check.
	UrgentCategories []string

	// Default quiet window applied when the recipient has none ("HH:MM").
	// Empty strings disable the default window.
	DefaultQuietStart string
	DefaultQuietEnd   string

	// DailyCap is the maximum sent notifications per recipient per local
	// calendar day. Zero disables the cap.
	DailyCap int
}

// Gate evaluates delivery permission. It is pure with respect to its inputs
// plus reads of preference and log state; it has no side effects.
type Gate struct {
	prefs  PreferenceStore
	sent   SentCounter
	urgent map[string]bool
	config Config
	logger *zap.Logger
}

// New creates a privacy gate.
func New(prefs PreferenceStore, sent SentCounter, cfg Config, logger *zap.Logger) *Gate {
	urgent := make(map[string]bool, len(cfg.UrgentCategories))
	for _, c := range cfg.UrgentCategories {
		urgent[c] = true
	}

	return &Gate{
		prefs:  prefs,
		sent:   sent,
		urgent: urgent,
		config: cfg,
		logger: logger,
	}
}

// ShouldSend decides whether the category may be delivered to the recipient
// at the scheduled instant.
func (g *Gate) ShouldSend(ctx context.Context, recipientID uuid.UUID, category string, at time.Time) (Decision, error) {
	if g.urgent[category] {
		return Decision{Allow: true, Reason: ReasonUrgent}, nil
	}

	pref, err := g.prefs.GetPreference(ctx, recipientID)
	if err != nil {
		return Decision{}, fmt.Errorf("load preference: %w", err)
	}

	if !categoryEnabled(pref, category) {
		return Decision{Reason: ReasonOptedOut}, nil
	}

	loc, err := g.prefs.RecipientLocation(ctx, recipientID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve recipient timezone: %w", err)
	}
	local := at.In(loc)

	if g.inQuietWindow(recipientID, pref, local) {
		return Decision{Reason: ReasonQuietHours}, nil
	}

	if g.config.DailyCap > 0 {
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		count, err := g.sent.CountSentBetween(ctx, recipientID, dayStart.UTC(), dayStart.Add(24*time.Hour).UTC())
		if err != nil {
			return Decision{}, fmt.Errorf("count daily sends: %w", err)
		}
		if count >= g.config.DailyCap {
			return Decision{Reason: ReasonDailyCap}, nil
		}
	}

	return Decision{Allow: true, Reason: ReasonAllowed}, nil
}

func categoryEnabled(pref *db.NotificationPreference, category string) bool {
	switch category {
	case notify.CategoryMorningReminder:
		return pref.MorningReminder
	case notify.CategoryDailyQuote:
		return pref.DailyQuote
	case notify.CategoryEventReminder:
		return pref.EventReminder
	default:
		// Categories without a preference flag default to allowed.
		return true
	}
}

func (g *Gate) inQuietWindow(recipientID uuid.UUID, pref *db.NotificationPreference, local time.Time) bool {
	start, end := g.config.DefaultQuietStart, g.config.DefaultQuietEnd
	if pref.QuietHoursStart != nil && pref.QuietHoursEnd != nil {
		start, end = *pref.QuietHoursStart, *pref.QuietHoursEnd
	}
	if start == "" || end == "" {
		return false
	}

	startMin, err := parseClock(start)
	if err != nil {
		g.logger.Warn("malformed quiet hours start, ignoring window",
			zap.String("recipient_id", recipientID.String()),
			zap.String("value", start),
		)
		return false
	}
	endMin, err := parseClock(end)
	if err != nil {
		g.logger.Warn("malformed quiet hours end, ignoring window",
			zap.String("recipient_id", recipientID.String()),
			zap.String("value", end),
		)
		return false
	}

	now := local.Hour()*60 + local.Minute()

	// A window that wraps past midnight (start > end) covers the evening of
	// one day and the morning of the next.
	if startMin <= endMin {
		return now >= startMin && now <= endMin
	}
	return now >= startMin || now <= endMin
}

// parseClock parses "HH:MM" into minutes from midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid clock hour %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock minute %q", s)
	}
	return hour*60 + minute, nil
}
