package loops

import (
	"strings"
	"testing"
)

func TestStableIDDeterministicAcrossWording(t *testing.T) {
	// Same conversation, owner, and intent must yield the same id even when
	// the summary wording, case, and punctuation differ.
	a := NormalizeIntent("", "", "Send the invoice to Bob!")
	b := NormalizeIntent("", "", "send   the invoice, to bob")
	if a != b {
		t.Fatalf("normalized intents differ: %q vs %q", a, b)
	}
	if StableID("c1", "me", a) != StableID("c1", "ME ", b) {
		t.Fatal("stable ids differ for equivalent sightings")
	}
}

func TestNormalizeIntentPreferenceOrder(t *testing.T) {
	if got := NormalizeIntent("schedule_dinner", "loop-x", "totally different"); got != "schedule_dinner" {
		t.Fatalf("explicit intent key not preferred: %q", got)
	}
	if got := NormalizeIntent("", "Reply To Alice", "whatever"); got != "reply_to_alice" {
		t.Fatalf("loop key fallback wrong: %q", got)
	}
}

func TestNormalizeIntentStripsDatesAndStopWords(t *testing.T) {
	a := NormalizeIntent("", "", "dinner with Sam on Friday")
	b := NormalizeIntent("", "", "Dinner with Sam tomorrow")
	if a != b {
		t.Fatalf("date tokens leaked into intent: %q vs %q", a, b)
	}
	if strings.Contains(a, "friday") || strings.Contains(a, "with") {
		t.Fatalf("noise tokens kept: %q", a)
	}
}

func TestNormalizeIntentHashesLongKeys(t *testing.T) {
	long := strings.Repeat("reconcile quarterly budget spreadsheet ", 4)
	got := NormalizeIntent("", "", long)
	if len(got) != 16 {
		t.Fatalf("expected 16-char hash for long intent, got %q (len %d)", got, len(got))
	}
	// Deterministic.
	if got != NormalizeIntent("", "", long) {
		t.Fatal("long-intent hash not deterministic")
	}
}

func TestNormalizeIntentEmptyFallback(t *testing.T) {
	if got := NormalizeIntent("", "", "   "); got != "untitled" {
		t.Fatalf("expected untitled fallback, got %q", got)
	}
}

func TestDifferentConversationsDifferentIDs(t *testing.T) {
	intent := NormalizeIntent("pay_rent", "", "")
	if StableID("c1", "me", intent) == StableID("c2", "me", intent) {
		t.Fatal("ids collide across conversations")
	}
	if StableID("c1", "me", intent) == StableID("c1", "them", intent) {
		t.Fatal("ids collide across owners")
	}
}
