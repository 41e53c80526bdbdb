package loops

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// Identity is content-derived: the same logical obligation, re-extracted in a
// later run with different wording, must map to the same task key and id.
// That determinism is what makes persistence an upsert instead of an
// accumulation of duplicates.

// maxIntentLen bounds the normalized intent token; longer intents collapse to
// a fixed-width hash so keys stay stable and index-friendly.
const maxIntentLen = 48

var (
	intentStopWords = map[string]bool{
		"a": true, "an": true, "the": true, "to": true, "of": true,
		"for": true, "and": true, "or": true, "in": true, "on": true,
		"at": true, "is": true, "are": true, "was": true, "be": true,
		"i": true, "you": true, "we": true, "my": true, "your": true,
		"that": true, "this": true, "it": true, "with": true, "about": true,
		"will": true, "would": true, "should": true, "need": true, "needs": true,
		"please": true, "can": true, "could": true, "ill": true, "im": true,
	}

	// Date-ish tokens are stripped so "dinner friday" and "dinner saturday"
	// still group under the same intent.
	intentDateToken = regexp.MustCompile(`(?i)^(mon|tues|wednes|thurs|fri|satur|sun)day$|` +
		`^(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*$|` +
		`^(today|tomorrow|tonight|tmrw|week|weekend|month)$|` +
		`^\d{1,4}([/:-]\d{1,4}){0,2}(am|pm)?$|^\d{1,2}(am|pm)$`)

	nonWord = regexp.MustCompile(`[^a-z0-9]+`)
)

// shortHash returns a 16-hex-char FNV-1a digest of s.
func shortHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// NormalizeIntent derives the normalized intent component of a task key.
// Preference order: an explicit intent key from the classifier, else a loop
// key, else the stop-word/date-stripped summary. The result is lowercase,
// underscore-joined, and hashed down when it exceeds maxIntentLen.
func NormalizeIntent(intentKey, loopKey, summary string) string {
	src := strings.TrimSpace(intentKey)
	if src == "" {
		src = strings.TrimSpace(loopKey)
	}
	stripDates := false
	if src == "" {
		src = strings.TrimSpace(summary)
		stripDates = true
	}
	norm := normalizeIntentText(src, stripDates)
	if norm == "" {
		norm = "untitled"
	}
	if len(norm) > maxIntentLen {
		norm = shortHash(norm)
	}
	return norm
}

// normalizeIntentText lowercases, strips punctuation, and optionally drops
// stop words and date tokens. Explicit intent/loop keys skip stop-word
// stripping: the classifier already chose those tokens deliberately.
func normalizeIntentText(s string, stripNoise bool) string {
	s = strings.ToLower(s)
	s = nonWord.ReplaceAllString(s, " ")
	fields := strings.Fields(s)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if stripNoise {
			if intentStopWords[f] || intentDateToken.MatchString(f) {
				continue
			}
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, "_")
}

// TaskKey is the dedup/identity basis: (conversation, owner, normalized
// intent). Never more than one open obligation exists per task key.
func TaskKey(conversationID, owner, intent string) string {
	return conversationID + "|" + strings.ToLower(strings.TrimSpace(owner)) + "|" + intent
}

// StableID derives the obligation id from its task key.
func StableID(conversationID, owner, intent string) string {
	return shortHash(TaskKey(conversationID, owner, intent))
}
