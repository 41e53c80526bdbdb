package loops

import (
	"testing"
	"time"
)

var parseRef = time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC) // Wednesday

func TestParseWhenExplicitClock(t *testing.T) {
	when, date, explicit := ParseWhen("Saturday 7pm", parseRef)
	if !explicit || when == nil {
		t.Fatalf("expected explicit instant, got %v %q %v", when, date, explicit)
	}
	want := time.Date(2026, 3, 7, 19, 0, 0, 0, time.UTC)
	if !when.Equal(want) {
		t.Fatalf("expected %v, got %v", want, when)
	}
	if date != "2026-03-07" {
		t.Fatalf("unexpected date %q", date)
	}
}

func TestParseWhenDateOnly(t *testing.T) {
	when, date, explicit := ParseWhen("Friday", parseRef)
	if explicit || when != nil {
		t.Fatalf("weekday alone must be date-only, got %v %v", when, explicit)
	}
	if date != "2026-03-06" {
		t.Fatalf("unexpected date %q", date)
	}
}

func TestParseWhenMidnightIsDateOnly(t *testing.T) {
	// A midnight-only parse is ambiguous; it downgrades to date-only.
	when, date, explicit := ParseWhen("2026-03-10 00:00", parseRef)
	if explicit || when != nil {
		t.Fatalf("midnight parse should be date-only, got %v %v", when, explicit)
	}
	if date != "2026-03-10" {
		t.Fatalf("unexpected date %q", date)
	}
}

func TestParseWhenISOWithTime(t *testing.T) {
	when, _, explicit := ParseWhen("2026-03-10 14:30", parseRef)
	if !explicit || when == nil || when.Hour() != 14 || when.Minute() != 30 {
		t.Fatalf("iso datetime not explicit: %v %v", when, explicit)
	}
}

func TestParseWhenTomorrow(t *testing.T) {
	_, date, explicit := ParseWhen("tomorrow", parseRef)
	if explicit || date != "2026-03-05" {
		t.Fatalf("tomorrow wrong: %q explicit=%v", date, explicit)
	}
}

func TestParseWhenBareClockRollsForward(t *testing.T) {
	// 8am is already past the 9:30 reference; the anchor rolls to the next day.
	when, _, explicit := ParseWhen("8am", parseRef)
	if !explicit || when == nil {
		t.Fatal("expected explicit instant")
	}
	if when.Day() != 5 || when.Hour() != 8 {
		t.Fatalf("clock did not roll forward: %v", when)
	}
}

func TestParseWhenUnparseable(t *testing.T) {
	when, date, explicit := ParseWhen("whenever works", parseRef)
	if when != nil || date != "" || explicit {
		t.Fatalf("expected no anchor, got %v %q %v", when, date, explicit)
	}
}
