package privacy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
)

type fakePrefs struct {
	pref     *db.NotificationPreference
	location *time.Location
}

func (f *fakePrefs) GetPreference(ctx context.Context, recipientID uuid.UUID) (*db.NotificationPreference, error) {
	if f.pref != nil {
		return f.pref, nil
	}
	return db.DefaultPreference(recipientID), nil
}

func (f *fakePrefs) RecipientLocation(ctx context.Context, recipientID uuid.UUID) (*time.Location, error) {
	if f.location != nil {
		return f.location, nil
	}
	return time.UTC, nil
}

type fakeCounter struct {
	count int
}

func (f *fakeCounter) CountSentBetween(ctx context.Context, recipientID uuid.UUID, from, to time.Time) (int, error) {
	return f.count, nil
}

func newTestGate(prefs *fakePrefs, counter *fakeCounter, cfg Config) *Gate {
	return New(prefs, counter, cfg, zap.NewNop())
}

func strPtr(s string) *string { return &s }

// noon is comfortably outside every quiet window used in these tests.
var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestGate_AllowsByDefault(t *testing.T) {
	gate := newTestGate(&fakePrefs{}, &fakeCounter{}, Config{DailyCap: 5})

	decision, err := gate.ShouldSend(context.Background(), uuid.New(), notify.CategoryMorningReminder, noon)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected allow, got reason %s", decision.Reason)
	}
	if decision.Reason != ReasonAllowed {
		t.Errorf("expected reason %s, got %s", ReasonAllowed, decision.Reason)
	}
}

func TestGate_OptOutBlocksCategory(t *testing.T) {
	recipientID := uuid.New()
	pref := db.DefaultPreference(recipientID)
	pref.DailyQuote = false

	gate := newTestGate(&fakePrefs{pref: pref}, &fakeCounter{}, Config{})

	decision, err := gate.ShouldSend(context.Background(), recipientID, notify.CategoryDailyQuote, noon)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected opt-out to block")
	}
	if decision.Reason != ReasonOptedOut {
		t.Errorf("expected reason %s, got %s", ReasonOptedOut, decision.Reason)
	}

	// Other categories are unaffected
	decision, _ = gate.ShouldSend(context.Background(), recipientID, notify.CategoryMorningReminder, noon)
	if !decision.Allow {
		t.Errorf("morning reminder should still be allowed, got %s", decision.Reason)
	}
}

func TestGate_QuietHours(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		at      time.Time
		blocked bool
	}{
		{
			name:    "inside simple window",
			start:   "13:00",
			end:     "15:00",
			at:      time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
			blocked: true,
		},
		{
			name:    "outside simple window",
			start:   "13:00",
			end:     "15:00",
			at:      time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC),
			blocked: false,
		},
		{
			name:    "wrapping window, late evening",
			start:   "22:00",
			end:     "06:00",
			at:      time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC),
			blocked: true,
		},
		{
			name:    "wrapping window, early morning",
			start:   "22:00",
			end:     "06:00",
			at:      time.Date(2026, 3, 10, 5, 30, 0, 0, time.UTC),
			blocked: true,
		},
		{
			name:    "wrapping window, midday",
			start:   "22:00",
			end:     "06:00",
			at:      noon,
			blocked: false,
		},
		{
			name:    "window boundary start",
			start:   "22:00",
			end:     "06:00",
			at:      time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC),
			blocked: true,
		},
		{
			name:    "window boundary end",
			start:   "22:00",
			end:     "06:00",
			at:      time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
			blocked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipientID := uuid.New()
			pref := db.DefaultPreference(recipientID)
			pref.QuietHoursStart = strPtr(tt.start)
			pref.QuietHoursEnd = strPtr(tt.end)

			gate := newTestGate(&fakePrefs{pref: pref}, &fakeCounter{}, Config{})

			decision, err := gate.ShouldSend(context.Background(), recipientID, notify.CategoryMorningReminder, tt.at)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.blocked && decision.Allow {
				t.Errorf("expected quiet hours to block at %s", tt.at)
			}
			if tt.blocked && decision.Reason != ReasonQuietHours {
				t.Errorf("expected reason %s, got %s", ReasonQuietHours, decision.Reason)
			}
			if !tt.blocked && !decision.Allow {
				t.Errorf("expected allow at %s, got reason %s", tt.at, decision.Reason)
			}
		})
	}
}

func TestGate_QuietHoursUsesRecipientTimezone(t *testing.T) {
	karachi, err := time.LoadLocation("Asia/Karachi")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	recipientID := uuid.New()
	pref := db.DefaultPreference(recipientID)
	pref.QuietHoursStart = strPtr("22:00")
	pref.QuietHoursEnd = strPtr("06:00")

	gate := newTestGate(&fakePrefs{pref: pref, location: karachi}, &fakeCounter{}, Config{})

	// 18:00 UTC is 23:00 in Karachi (UTC+5), inside the window.
	at := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	decision, err := gate.ShouldSend(context.Background(), recipientID, notify.CategoryMorningReminder, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected quiet hours in recipient local time to block")
	}
	if decision.Reason != ReasonQuietHours {
		t.Errorf("expected reason %s, got %s", ReasonQuietHours, decision.Reason)
	}
}

func TestGate_DefaultQuietWindowApplies(t *testing.T) {
	gate := newTestGate(&fakePrefs{}, &fakeCounter{}, Config{
		DefaultQuietStart: "22:00",
		DefaultQuietEnd:   "06:00",
	})

	at := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	decision, err := gate.ShouldSend(context.Background(), uuid.New(), notify.CategoryMorningReminder, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected default quiet window to block")
	}
}

func TestGate_MalformedQuietHoursIgnored(t *testing.T) {
	recipientID := uuid.New()
	pref := db.DefaultPreference(recipientID)
	pref.QuietHoursStart = strPtr("25:99")
	pref.QuietHoursEnd = strPtr("06:00")

	gate := newTestGate(&fakePrefs{pref: pref}, &fakeCounter{}, Config{})

	decision, err := gate.ShouldSend(context.Background(), recipientID, notify.CategoryMorningReminder, noon)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allow {
		t.Errorf("malformed window should be ignored, got reason %s", decision.Reason)
	}
}

func TestGate_DailyCap(t *testing.T) {
	gate := newTestGate(&fakePrefs{}, &fakeCounter{count: 5}, Config{DailyCap: 5})

	decision, err := gate.ShouldSend(context.Background(), uuid.New(), notify.CategoryMorningReminder, noon)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected daily cap to block")
	}
	if decision.Reason != ReasonDailyCap {
		t.Errorf("expected reason %s, got %s", ReasonDailyCap, decision.Reason)
	}

	// Under the cap
	gate = newTestGate(&fakePrefs{}, &fakeCounter{count: 4}, Config{DailyCap: 5})
	decision, _ = gate.ShouldSend(context.Background(), uuid.New(), notify.CategoryMorningReminder, noon)
	if !decision.Allow {
		t.Errorf("expected allow under cap, got reason %s", decision.Reason)
	}
}

func TestGate_UrgentBypassesEverything(t *testing.T) {
	recipientID := uuid.New()
	pref := db.DefaultPreference(recipientID)
	pref.QuietHoursStart = strPtr("00:00")
	pref.QuietHoursEnd = strPtr("23:59")

	gate := newTestGate(&fakePrefs{pref: pref}, &fakeCounter{count: 100}, Config{
		UrgentCategories: []string{notify.CategoryStreakEscalation, notify.CategoryAdminAlert},
		DailyCap:         1,
	})

	for _, category := range []string{notify.CategoryStreakEscalation, notify.CategoryAdminAlert} {
		decision, err := gate.ShouldSend(context.Background(), recipientID, category, noon)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allow {
			t.Errorf("%s should bypass gating, got reason %s", category, decision.Reason)
		}
		if decision.Reason != ReasonUrgent {
			t.Errorf("expected reason %s, got %s", ReasonUrgent, decision.Reason)
		}
	}

	// Non-urgent category is still subject to the window
	decision, _ := gate.ShouldSend(context.Background(), recipientID, notify.CategoryMorningReminder, noon)
	if decision.Allow {
		t.Error("non-urgent category should be blocked by the all-day window")
	}
}
