package loops

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseWhen normalizes a raw temporal string into the tri-state anchor:
// an exact instant (explicit clock time present), a date-only anchor, or
// nothing. A parse that lands exactly on midnight is treated as date-only,
// since "2024-03-08" style inputs round-trip through midnight.
//
// The returned instant, when non-nil, is in ref's location. whenDate is
// always set when any date could be resolved (for explicit instants it is
// the instant's date).
func ParseWhen(raw string, ref time.Time) (when *time.Time, whenDate string, explicit bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", false
	}
	loc := ref.Location()

	// Machine-ish layouts first.
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
				return nil, t.Format("2006-01-02"), false
			}
			return &t, t.Format("2006-01-02"), true
		}
	}
	for _, layout := range []string{"2006-01-02", "2006/01/02", "01/02/2006", "Jan 2 2006", "January 2 2006", "Jan 2", "January 2"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			if t.Year() == 0 {
				t = time.Date(ref.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
				if t.Before(ref.Truncate(24 * time.Hour)) {
					t = t.AddDate(1, 0, 0)
				}
			}
			return nil, t.Format("2006-01-02"), false
		}
	}

	// Natural-language: resolve a day anchor and an optional clock time.
	lower := strings.ToLower(raw)
	day, hasDay := resolveDayAnchor(lower, ref)
	hour, min, hasClock := resolveClock(lower)

	switch {
	case hasDay && hasClock:
		t := time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, loc)
		return &t, t.Format("2006-01-02"), true
	case hasDay:
		return nil, day.Format("2006-01-02"), false
	case hasClock:
		t := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, min, 0, 0, loc)
		if t.Before(ref) {
			t = t.Add(24 * time.Hour)
		}
		return &t, t.Format("2006-01-02"), true
	}
	return nil, "", false
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// resolveDayAnchor finds a day reference (weekday name, today/tomorrow) in s.
func resolveDayAnchor(s string, ref time.Time) (time.Time, bool) {
	if strings.Contains(s, "tomorrow") || strings.Contains(s, "tmrw") {
		return ref.AddDate(0, 0, 1), true
	}
	if strings.Contains(s, "today") || strings.Contains(s, "tonight") {
		return ref, true
	}
	for name, wd := range weekdays {
		if !strings.Contains(s, name) {
			continue
		}
		delta := (int(wd) - int(ref.Weekday()) + 7) % 7
		if delta == 0 && strings.Contains(s, "next") {
			delta = 7
		}
		return ref.AddDate(0, 0, delta), true
	}
	return time.Time{}, false
}

var (
	clockAmPm = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	clock24h  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
)

// resolveClock extracts an explicit clock time ("7pm", "3:30pm", "19:45").
func resolveClock(s string) (hour, min int, ok bool) {
	if m := clockAmPm.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			min, _ = strconv.Atoi(m[2])
		}
		if m[3] == "pm" && hour < 12 {
			hour += 12
		}
		if m[3] == "am" && hour == 12 {
			hour = 0
		}
		return hour, min, hour < 24 && min < 60
	}
	if m := clock24h.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		min, _ = strconv.Atoi(m[2])
		return hour, min, hour < 24 && min < 60
	}
	return 0, 0, false
}

// FormatDayKey renders t as the YYYY-MM-DD key used for last-run-date
// tracking in a given timezone.
func FormatDayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// ShortExcerpt bounds s to n runes for evidence excerpts and summaries.
func ShortExcerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return fmt.Sprintf("%s…", string(r[:n-1]))
}
