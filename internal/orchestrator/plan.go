// Package orchestrator decides, once per tick, which remedial actions to
// take against the message source: history backfill requests for hot
// conversations, gated by connection state, backfill coverage, and
// per-conversation cooldowns. Planning is pure; the service executes.
package orchestrator

import (
	"time"

	"github.com/loopline/loopline/internal/source"
)

// ConnState is the probe-derived connection state.
type ConnState string

const (
	StateUnreachable  ConnState = "unreachable"
	StateNotConnected ConnState = "not_connected"
	StateConnected    ConnState = "connected"
)

// Tick outcome and per-candidate reason codes.
const (
	ReasonOKPosted           = "ok_posted"
	ReasonCooldownActive     = "cooldown_active"
	ReasonNoPlannedTargets   = "no_planned_targets"
	ReasonPostFailed         = "post_failed"
	ReasonNotConnected       = "not_connected"
	ReasonBackfillIncomplete = "backfill_incomplete"
)

// maxTickErrors bounds the in-state error ring buffer.
const maxTickErrors = 50

// TickError is one retained transient failure.
type TickError struct {
	At    time.Time `json:"at"`
	Error string    `json:"error"`
}

// State is the orchestrator's persistent memory between ticks. The service
// snapshots it to the store after every tick.
type State struct {
	Conn              ConnState            `json:"conn"`
	BackfillDone      bool                 `json:"backfill_done"`
	UpstreamFirstSeen time.Time            `json:"upstream_first_seen,omitempty"`
	Cooldowns         map[string]time.Time `json:"cooldowns,omitempty"` // conversation -> last posted
	LastDigestDate    string               `json:"last_digest_date,omitempty"`
	Errors            []TickError          `json:"errors,omitempty"`
}

func (s *State) recordError(now time.Time, msg string) {
	s.Errors = append(s.Errors, TickError{At: now, Error: msg})
	if len(s.Errors) > maxTickErrors {
		s.Errors = s.Errors[len(s.Errors)-maxTickErrors:]
	}
}

// Config bounds the planner.
type Config struct {
	MaxActionsPerTick int
	Cooldown          time.Duration
	BackfillThreshold float64
	BackfillFallback  time.Duration
	HotWindow         time.Duration
	HistoryDepth      int
	DigestHour        int
	Location          *time.Location
}

// Inputs is everything a tick decision depends on besides prior state.
type Inputs struct {
	Status   *source.Status // nil when the probe failed
	ProbeErr string
	// EventPriority conversations carry an upcoming dated obligation and are
	// planned ahead of Ordinary ones.
	EventPriority []string
	Ordinary      []string
	// Force treats all cooldowns as expired.
	Force bool
}

// Decision is the audit record for one considered conversation.
type Decision struct {
	ConversationID string `json:"conversation_id"`
	Planned        bool   `json:"planned"`
	Reason         string `json:"reason"`
}

// Action is one planned history request.
type Action struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Depth          int    `json:"depth"`
}

// Plan is the immutable artifact of one tick. Outcome starts as the gate
// verdict; on a failed post the executor rewrites it, and the planned
// candidates' reasons, to post_failed before the artifact is persisted.
type Plan struct {
	TickID     string     `json:"tick_id"`
	At         time.Time  `json:"at"`
	Conn       ConnState  `json:"conn"`
	Outcome    string     `json:"outcome"`
	Candidates []Decision `json:"candidates,omitempty"`
	Actions    []Action   `json:"actions,omitempty"`
	Digest     bool       `json:"digest"`
	Coverage   float64    `json:"coverage"`
}

// PlanTick advances the state machine and plans one tick. It is a pure
// function of (state, inputs, now): no IO, no clock reads. Cooldown and
// digest commits happen in the executor after actions actually post.
func PlanTick(cfg Config, st State, in Inputs, now time.Time) (State, Plan) {
	plan := Plan{At: now}

	// Probe verdict.
	switch {
	case in.Status == nil:
		st.Conn = StateUnreachable
		if in.ProbeErr != "" {
			st.recordError(now, in.ProbeErr)
		}
	case in.Status.Connected && !in.Status.NeedsAuth:
		st.Conn = StateConnected
	default:
		st.Conn = StateNotConnected
	}
	plan.Conn = st.Conn
	if st.Conn != StateConnected {
		plan.Outcome = ReasonNotConnected
		return st, plan
	}
	plan.Coverage = in.Status.Backfill.Coverage

	// Backfill gate: coverage threshold, or the fallback timer since the
	// upstream first became visible.
	if !st.BackfillDone {
		if st.UpstreamFirstSeen.IsZero() {
			st.UpstreamFirstSeen = now
		}
		switch {
		case in.Status.Backfill.Coverage >= cfg.BackfillThreshold:
			st.BackfillDone = true
		case cfg.BackfillFallback > 0 && now.Sub(st.UpstreamFirstSeen) >= cfg.BackfillFallback:
			st.BackfillDone = true
		default:
			plan.Outcome = ReasonBackfillIncomplete
			plan.Digest = digestDue(cfg, st, now)
			return st, plan
		}
	}

	// Event-priority targets go first; duplicates keep their first slot.
	seen := make(map[string]bool)
	var targets []string
	for _, conv := range append(append([]string{}, in.EventPriority...), in.Ordinary...) {
		if conv == "" || seen[conv] {
			continue
		}
		seen[conv] = true
		targets = append(targets, conv)
	}

	planned := 0
	for _, conv := range targets {
		if planned >= cfg.MaxActionsPerTick {
			break
		}
		last, onCooldown := st.Cooldowns[conv]
		if !in.Force && onCooldown && now.Sub(last) < cfg.Cooldown {
			plan.Candidates = append(plan.Candidates, Decision{ConversationID: conv, Reason: ReasonCooldownActive})
			continue
		}
		plan.Candidates = append(plan.Candidates, Decision{ConversationID: conv, Planned: true, Reason: ReasonOKPosted})
		plan.Actions = append(plan.Actions, Action{Type: "request_history", ConversationID: conv, Depth: cfg.HistoryDepth})
		planned++
	}
	if planned == 0 {
		plan.Outcome = ReasonNoPlannedTargets
	} else {
		plan.Outcome = ReasonOKPosted
	}

	plan.Digest = digestDue(cfg, st, now)
	return st, plan
}

// digestDue reports whether the daily digest should go out this tick: at or
// after DigestHour in the configured timezone, at most once per local date.
func digestDue(cfg Config, st State, now time.Time) bool {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if local.Hour() < cfg.DigestHour {
		return false
	}
	return st.LastDigestDate != local.Format("2006-01-02")
}
