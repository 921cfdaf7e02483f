package notify

import "strings"

// Message is a concrete, renderable push message: what every transport
// ultimately delivers.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Template is a title/body pair with {placeholder} markers.
type Template struct {
	Title string
	Body  string
}

// Templates maps language -> category -> template. Built once at startup and
// passed to the builder; never mutated afterwards.
type Templates map[string]map[string]Template

const fallbackLanguage = "en"

// Lookup finds the template for a language and category, falling back to
// English when the language has no entry. The second return is false when
// the category is unknown everywhere.
func (t Templates) Lookup(language, category string) (Template, bool) {
	if byCategory, ok := t[language]; ok {
		if tpl, ok := byCategory[category]; ok {
			return tpl, true
		}
	}
	if language != fallbackLanguage {
		if tpl, ok := t[fallbackLanguage][category]; ok {
			return tpl, true
		}
	}
	return Template{}, false
}

// Render substitutes {placeholder} markers in the template.
func (tpl Template) Render(vars map[string]string) (title, body string) {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)
	return replacer.Replace(tpl.Title), replacer.Replace(tpl.Body)
}

// DefaultTemplates returns the built-in template dictionary.
func DefaultTemplates() Templates {
	return Templates{
		"en": {
			CategoryMorningReminder: {
				Title: "Fajr time approaching",
				Body:  "Fajr is at {prayer_time}. Rise and pray, then check in.",
			},
			CategoryDailyQuote: {
				Title: "Quote of the day",
				Body:  "{quote} — {author}",
			},
			CategoryEventReminder: {
				Title: "Upcoming: {event_title}",
				Body:  "{event_description}",
			},
			CategoryStreakEscalation: {
				Title: "Your streak needs you",
				Body:  "You have missed {missed_days} day(s) after a {streak_days}-day streak. Do not let it slip away.",
			},
		},
		"ar": {
			CategoryMorningReminder: {
				Title: "اقترب وقت الفجر",
				Body:  "الفجر في {prayer_time}. قم للصلاة ثم سجّل حضورك.",
			},
			CategoryDailyQuote: {
				Title: "اقتباس اليوم",
				Body:  "{quote} — {author}",
			},
			CategoryEventReminder: {
				Title: "قريباً: {event_title}",
				Body:  "{event_description}",
			},
			CategoryStreakEscalation: {
				Title: "سلسلتك بحاجة إليك",
				Body:  "فاتك {missed_days} يوم بعد سلسلة {streak_days} يوماً. لا تدعها تضيع.",
			},
		},
	}
}
