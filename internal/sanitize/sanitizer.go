// Package sanitize validates raw classifier candidates against the
// ground-truth message batch they were derived from. Only obligations whose
// evidence actually exists in the source text (or, in relaxed mode, can be
// inferred from it) survive this boundary.
package sanitize

import (
	"regexp"
	"strings"
	"time"

	"github.com/loopline/loopline/internal/classify"
	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/source"
)

// Drop reason codes. Malformed input is always a drop record, never an error.
const (
	DropEmptySummary      = "empty_summary"
	DropNoEvidence        = "no_evidence"
	DropEvidenceMismatch  = "evidence_mismatch"
	DropSmalltalk         = "smalltalk"
	DropLowSignalInfo     = "low_signal_info"
	DropNearEmptyEvidence = "near_empty_evidence"
	DropOverCapacity      = "over_capacity"
)

// Drop records one rejected candidate for observability.
type Drop struct {
	Reason   string             `json:"reason"`
	Original classify.Candidate `json:"original"`
}

// Options configure one sanitizer run.
type Options struct {
	// Cap bounds how many obligations one run may keep.
	Cap int
	// Relaxed substitutes inference for outright rejection when evidence is
	// missing or mismatched; inferred evidence penalizes confidence.
	Relaxed bool
	// Now anchors temporal normalization.
	Now time.Time
}

// DefaultCap is the per-run keep bound.
const DefaultCap = 10

// inferredConfidencePenalty multiplies confidence when the evidence ref was
// inferred rather than supplied and verified.
const inferredConfidencePenalty = 0.8

// Result is a sanitizer run's output: clean, in-batch-deduplicated
// obligation candidates plus the drop ledger.
type Result struct {
	Kept  []loops.Obligation
	Drops []Drop
}

var (
	smalltalkRe = regexp.MustCompile(`(?i)^\s*(hi|hey+|hello|yo|good\s*(morning|night|evening|day)|how\s*are\s*you|how'?s\s*it\s*going|lol|haha+|ok(ay)?|sure|thanks?|thank\s*you|np|yw|bye|gn|gm)\s*[!.?]*\s*$`)

	saveWorthyRe = regexp.MustCompile(`(?i)\b(remember|address|birthday|anniversary|allerg|favorite|favourite|phone|email|passport|license|recipe|wifi|gate\s*code|door\s*code|account|size|name\s+is)\b`)

	affectionRe = regexp.MustCompile(`(?i)(love\s+you|miss\s+you|proud\s+of\s+you|❤|😘|🥰)`)
)

// Run sanitizes candidates against batch. It never fails on a single
// malformed candidate; every rejection lands in the drop ledger instead.
func Run(conversationID string, candidates []classify.Candidate, batch []source.Message, opts Options) Result {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	byID := make(map[string]*source.Message, len(batch))
	for i := range batch {
		byID[batch[i].ID] = &batch[i]
	}

	var res Result
	seen := make(map[string]int) // task key -> index into Kept

	for _, cand := range candidates {
		ob, reason := sanitizeOne(conversationID, cand, batch, byID, opts)
		if reason != "" {
			res.Drops = append(res.Drops, Drop{Reason: reason, Original: cand})
			continue
		}
		key := loops.TaskKey(ob.ConversationID, ob.Owner, ob.TaskGoal)
		if i, dup := seen[key]; dup {
			// First-pass dedup within this batch only.
			res.Kept[i] = loops.Merge(res.Kept[i], *ob)
			continue
		}
		if len(res.Kept) >= opts.Cap {
			res.Drops = append(res.Drops, Drop{Reason: DropOverCapacity, Original: cand})
			continue
		}
		seen[key] = len(res.Kept)
		res.Kept = append(res.Kept, *ob)
	}
	return res
}

// sanitizeOne validates a single candidate. An empty reason means kept.
func sanitizeOne(conversationID string, cand classify.Candidate, batch []source.Message, byID map[string]*source.Message, opts Options) (*loops.Obligation, string) {
	summary := strings.TrimSpace(cand.Summary)
	if summary == "" {
		return nil, DropEmptySummary
	}

	kind := classifyKind(cand, summary)

	// Resolve the evidence message: trust the supplied id when it exists in
	// the batch, else infer by lexical overlap.
	inferred := false
	ev := byID[strings.TrimSpace(cand.EvidenceMsgID)]
	if ev == nil {
		ev = inferEvidence(cand, batch, kind)
		inferred = ev != nil
	}
	if ev == nil {
		return nil, DropNoEvidence
	}

	// The claimed excerpt must be a literal substring of the resolved
	// message body. Relaxed mode substitutes the inferred message's own text.
	excerpt := strings.TrimSpace(cand.EvidenceText)
	switch {
	case excerpt == "":
		excerpt = excerptOf(ev.Text)
		inferred = true
	case !strings.Contains(ev.Text, excerpt):
		if !opts.Relaxed {
			return nil, DropEvidenceMismatch
		}
		excerpt = excerptOf(ev.Text)
		inferred = true
	}

	if smalltalkRe.MatchString(summary) || smalltalkRe.MatchString(ev.Text) {
		return nil, DropSmalltalk
	}

	confidence := clamp01(cand.Confidence)
	if confidence == 0 {
		confidence = 0.5
	}
	if kind == loops.KindInfoToSave && confidence < 0.6 && !saveWorthyRe.MatchString(summary+" "+ev.Text) {
		return nil, DropLowSignalInfo
	}
	if len(strings.TrimSpace(excerpt)) < 8 && !affectionRe.MatchString(ev.Text) && confidence < 0.85 {
		return nil, DropNearEmptyEvidence
	}

	when, whenDate, explicit := loops.ParseWhen(cand.When, opts.Now)
	// A dated claim without an explicit clock time is a todo, not an event.
	if kind == loops.KindDatedEvent && !explicit {
		kind = loops.KindTodo
	}
	if inferred {
		confidence *= inferredConfidencePenalty
	}

	owner := strings.TrimSpace(strings.ToLower(cand.Owner))
	if owner == "" {
		owner = "me"
	}
	intent := loops.NormalizeIntent(cand.IntentKey, cand.LoopKey, summary)

	status := loops.StatusOpen
	if cand.Done {
		status = loops.StatusDone
	}

	ob := &loops.Obligation{
		ID:               loops.StableID(conversationID, owner, intent),
		ConversationID:   conversationID,
		Owner:            owner,
		Kind:             kind,
		Summary:          loops.ShortExcerpt(summary, loops.MaxSummaryLen),
		TaskGoal:         intent,
		When:             when,
		WhenDate:         whenDate,
		HasExplicitTime:  explicit,
		Status:           status,
		Urgency:          parseUrgency(cand.Urgency),
		Importance:       clampImportance(cand.Importance),
		Confidence:       confidence,
		EvidenceMsgID:    ev.ID,
		EvidenceText:     excerpt,
		EvidenceInferred: inferred,
		FirstSeenAt:      ev.Timestamp,
		LastSeenAt:       ev.Timestamp,
		TimesMentioned:   1,
		Blocked:          cand.Blocked,
	}
	if cand.When != "" {
		ob.WhenOptions = []string{cand.When}
	}
	if cand.Blocked && cand.DependsOn != "" {
		ob.DependsOnTaskGoal = loops.NormalizeIntent(cand.DependsOn, "", "")
	}
	return ob, ""
}

// classifyKind maps the candidate's own hint into a fixed kind, with
// fallback heuristics when the hint is missing or invalid.
func classifyKind(cand classify.Candidate, summary string) loops.Kind {
	hint := loops.Kind(strings.ToLower(strings.TrimSpace(cand.KindHint)))
	if loops.ValidKind(hint) {
		return hint
	}
	lower := strings.ToLower(summary)
	switch {
	case strings.Contains(lower, "reply") || strings.Contains(lower, "respond") || strings.Contains(lower, "get back to"):
		return loops.KindReplyNeeded
	case strings.Contains(lower, "decide") || strings.Contains(lower, "choose") || strings.Contains(lower, "pick between"):
		return loops.KindDecisionNeeded
	case strings.Contains(lower, "remember") || strings.Contains(lower, "note that"):
		return loops.KindInfoToSave
	case strings.Contains(lower, "check in") || strings.Contains(lower, "follow up"):
		return loops.KindFollowUp
	case cand.When != "":
		return loops.KindDatedEvent
	}
	return loops.KindTodo
}

// inferEvidence scores batch messages by overlapping-token count against the
// candidate's text. Ties break by recency, and reply/decision kinds prefer
// the other party's messages (the thing owed a reply was said by them).
func inferEvidence(cand classify.Candidate, batch []source.Message, kind loops.Kind) *source.Message {
	needle := tokenSet(cand.Summary + " " + cand.EvidenceText)
	if len(needle) == 0 {
		return nil
	}
	preferOther := kind == loops.KindReplyNeeded || kind == loops.KindDecisionNeeded

	var best *source.Message
	bestScore := 0
	for i := range batch {
		m := &batch[i]
		score := overlap(needle, tokenSet(m.Text))
		if score == 0 {
			continue
		}
		switch {
		case score > bestScore:
			best, bestScore = m, score
		case score == bestScore && best != nil:
			if preferOther && best.FromMe && !m.FromMe {
				best = m
			} else if m.Timestamp.After(best.Timestamp) && !(preferOther && !best.FromMe && m.FromMe) {
				best = m
			}
		}
	}
	return best
}

// excerptOf truncates a message body for use as an evidence excerpt. No
// ellipsis: the excerpt must remain a literal substring of the body.
func excerptOf(body string) string {
	body = strings.TrimSpace(body)
	r := []rune(body)
	if len(r) <= 120 {
		return body
	}
	return strings.TrimSpace(string(r[:120]))
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,!?;:'\"()")
		if len(f) >= 3 {
			out[f] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}

func parseUrgency(s string) loops.Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "urgent":
		return loops.UrgencyHigh
	case "moderate", "medium":
		return loops.UrgencyModerate
	}
	return loops.UrgencyLow
}

func clampImportance(f float64) int {
	n := int(f)
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
