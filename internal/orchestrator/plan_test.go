package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/source"
)

func testConfig() Config {
	return Config{
		MaxActionsPerTick: 3,
		Cooldown:          6 * time.Hour,
		BackfillThreshold: 0.8,
		BackfillFallback:  24 * time.Hour,
		HistoryDepth:      200,
		DigestHour:        8,
		Location:          time.UTC,
	}
}

func connectedStatus(coverage float64) *source.Status {
	return &source.Status{Connected: true, Backfill: source.BackfillStatus{Coverage: coverage}}
}

func TestPlanTickProbeStates(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()

	st, plan := PlanTick(cfg, State{}, Inputs{ProbeErr: "dial timeout"}, now)
	if st.Conn != StateUnreachable || plan.Outcome != ReasonNotConnected {
		t.Fatalf("probe failure: conn=%s outcome=%s", st.Conn, plan.Outcome)
	}
	if len(st.Errors) != 1 || st.Errors[0].Error != "dial timeout" {
		t.Fatalf("probe error not recorded: %+v", st.Errors)
	}

	st, plan = PlanTick(cfg, st, Inputs{Status: &source.Status{Connected: true, NeedsAuth: true}}, now)
	if st.Conn != StateNotConnected || plan.Outcome != ReasonNotConnected {
		t.Fatalf("needs-auth: conn=%s outcome=%s", st.Conn, plan.Outcome)
	}

	st, plan = PlanTick(cfg, st, Inputs{Status: connectedStatus(1.0)}, now)
	if st.Conn != StateConnected {
		t.Fatalf("connected probe ignored: %s", st.Conn)
	}
	if plan.Outcome != ReasonNoPlannedTargets {
		t.Fatalf("empty target set: outcome=%s", plan.Outcome)
	}
}

func TestPlanTickBackfillGate(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	in := Inputs{Status: connectedStatus(0.4), Ordinary: []string{"c1"}}

	st, plan := PlanTick(cfg, State{}, in, now)
	if st.BackfillDone || plan.Outcome != ReasonBackfillIncomplete {
		t.Fatalf("low coverage passed the gate: %+v", plan)
	}
	if !st.UpstreamFirstSeen.Equal(now) {
		t.Fatalf("first-seen anchor not set: %v", st.UpstreamFirstSeen)
	}
	if len(plan.Actions) != 0 {
		t.Fatalf("gated tick planned actions: %+v", plan.Actions)
	}

	// Coverage crossing the threshold opens the gate.
	st2, plan := PlanTick(cfg, st, Inputs{Status: connectedStatus(0.9), Ordinary: []string{"c1"}}, now.Add(time.Hour))
	if !st2.BackfillDone || len(plan.Actions) != 1 {
		t.Fatalf("threshold crossing: done=%v actions=%+v", st2.BackfillDone, plan.Actions)
	}

	// The fallback timer opens it even with low coverage.
	st3, plan := PlanTick(cfg, st, Inputs{Status: connectedStatus(0.4), Ordinary: []string{"c1"}}, now.Add(25*time.Hour))
	if !st3.BackfillDone || len(plan.Actions) != 1 {
		t.Fatalf("fallback timer: done=%v actions=%+v", st3.BackfillDone, plan.Actions)
	}
}

func TestPlanTickCooldown(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	st := State{
		BackfillDone: true,
		Cooldowns:    map[string]time.Time{"hot": now.Add(-time.Hour)},
	}
	in := Inputs{Status: connectedStatus(1.0), Ordinary: []string{"hot", "cold"}}

	_, plan := PlanTick(cfg, st, in, now)
	if len(plan.Actions) != 1 || plan.Actions[0].ConversationID != "cold" {
		t.Fatalf("cooldown not honored: %+v", plan.Actions)
	}
	var hotDecision *Decision
	for i := range plan.Candidates {
		if plan.Candidates[i].ConversationID == "hot" {
			hotDecision = &plan.Candidates[i]
		}
	}
	if hotDecision == nil || hotDecision.Planned || hotDecision.Reason != ReasonCooldownActive {
		t.Fatalf("hot conversation decision: %+v", hotDecision)
	}

	// An elapsed cooldown frees the conversation again.
	_, plan = PlanTick(cfg, st, in, now.Add(7*time.Hour))
	if len(plan.Actions) != 2 {
		t.Fatalf("expired cooldown still blocking: %+v", plan.Actions)
	}

	// Force overrides cooldowns.
	in.Force = true
	_, plan = PlanTick(cfg, st, in, now)
	if len(plan.Actions) != 2 {
		t.Fatalf("force did not bypass cooldown: %+v", plan.Actions)
	}
}

func TestPlanTickActionBoundAndPriority(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MaxActionsPerTick = 2
	in := Inputs{
		Status:        connectedStatus(1.0),
		EventPriority: []string{"ev1", "ev2"},
		Ordinary:      []string{"ev1", "plain1", "plain2"},
	}

	_, plan := PlanTick(cfg, State{BackfillDone: true}, in, now)
	if len(plan.Actions) != 2 {
		t.Fatalf("action bound ignored: %+v", plan.Actions)
	}
	if plan.Actions[0].ConversationID != "ev1" || plan.Actions[1].ConversationID != "ev2" {
		t.Fatalf("event priority not first: %+v", plan.Actions)
	}
	if plan.Outcome != ReasonOKPosted {
		t.Fatalf("outcome = %s", plan.Outcome)
	}
}

func TestDigestSchedule(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	cfg := testConfig()
	cfg.Location = loc
	cfg.DigestHour = 8

	// 13:00 UTC on Mar 4 is 08:00 in New York (EST).
	due := time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)
	if !digestDue(cfg, State{}, due) {
		t.Fatal("digest not due at local digest hour")
	}
	if digestDue(cfg, State{LastDigestDate: "2026-03-04"}, due) {
		t.Fatal("digest repeated on the same local date")
	}
	if digestDue(cfg, State{}, due.Add(-2*time.Hour)) {
		t.Fatal("digest due before local digest hour")
	}
	// Yesterday's date string unlocks today's digest.
	if !digestDue(cfg, State{LastDigestDate: "2026-03-03"}, due) {
		t.Fatal("digest blocked by previous date")
	}
}

func TestErrorRingBufferBounded(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	var st State
	for i := 0; i < maxTickErrors+10; i++ {
		st.recordError(now.Add(time.Duration(i)*time.Minute), fmt.Sprintf("err %d", i))
	}
	if len(st.Errors) != maxTickErrors {
		t.Fatalf("ring buffer len = %d", len(st.Errors))
	}
	if st.Errors[0].Error != "err 10" || st.Errors[len(st.Errors)-1].Error != "err 59" {
		t.Fatalf("ring buffer kept wrong window: first=%q last=%q", st.Errors[0].Error, st.Errors[len(st.Errors)-1].Error)
	}
}

func TestTargetConversations(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	soon := now.Add(4 * time.Hour)
	later := now.Add(40 * time.Hour)
	farOut := now.Add(100 * time.Hour)

	seen := now.Add(-time.Hour)
	staleSeen := now.Add(-30 * time.Hour)
	obs := []loops.Obligation{
		{ID: "a", ConversationID: "busy", Status: loops.StatusOpen, LastSeenAt: seen},
		{ID: "b", ConversationID: "busy", Status: loops.StatusOpen, LastSeenAt: seen},
		{ID: "c", ConversationID: "quiet", Status: loops.StatusOpen, LastSeenAt: seen},
		{ID: "d", ConversationID: "eventLater", Status: loops.StatusOpen, HasExplicitTime: true, When: &later, LastSeenAt: seen},
		{ID: "e", ConversationID: "eventSoon", Status: loops.StatusOpen, HasExplicitTime: true, When: &soon, LastSeenAt: seen},
		{ID: "f", ConversationID: "eventFar", Status: loops.StatusOpen, HasExplicitTime: true, When: &farOut, LastSeenAt: seen},
		{ID: "g", ConversationID: "closed", Status: loops.StatusDone, LastSeenAt: seen},
		{ID: "h", ConversationID: "stale", Status: loops.StatusOpen, LastSeenAt: staleSeen},
	}

	events, ordinary := targetConversations(obs, now, 24*time.Hour)
	if len(events) != 2 || events[0] != "eventSoon" || events[1] != "eventLater" {
		t.Fatalf("event priority order: %v", events)
	}
	if len(ordinary) != 3 || ordinary[0] != "busy" {
		t.Fatalf("ordinary order: %v", ordinary)
	}
	for _, conv := range ordinary {
		if conv == "stale" {
			t.Fatal("stale conversation targeted outside the hot window")
		}
	}
}
