package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/source"
	"github.com/loopline/loopline/internal/store"
)

type tickSource struct {
	mu         sync.Mutex
	status     *source.Status
	statusErr  error
	historyErr error
	requests   []string
}

func (f *tickSource) FetchSince(context.Context, string, time.Time, int) (*source.FetchResult, error) {
	return &source.FetchResult{}, nil
}

func (f *tickSource) FetchStatus(context.Context) (*source.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *tickSource) RequestHistory(_ context.Context, conv string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return f.historyErr
	}
	f.requests = append(f.requests, conv)
	return nil
}

func (f *tickSource) ActiveConversations(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T, src *tickSource, cfg Config) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loopline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, src, cfg), st
}

func seedOpenLoop(t *testing.T, st *store.Store, id, conv string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	_, err := st.UpsertObligation(loops.Obligation{
		ID:             id,
		ConversationID: conv,
		Owner:          "me",
		Kind:           loops.KindTodo,
		Summary:        "send the invoice",
		TaskGoal:       "send invoice",
		Status:         loops.StatusOpen,
		Urgency:        loops.UrgencyLow,
		Importance:     3,
		Confidence:     0.7,
		FirstSeenAt:    now.Add(-time.Hour),
		LastSeenAt:     now.Add(-time.Hour),
		TimesMentioned: 1,
	})
	if err != nil {
		t.Fatalf("seed obligation: %v", err)
	}
}

func TestRunTickPostsAndCommitsCooldown(t *testing.T) {
	src := &tickSource{status: connectedStatus(1.0)}
	cfg := testConfig()
	cfg.DigestHour = 23 // keep the digest out of this test
	o, st := newTestOrchestrator(t, src, cfg)
	seedOpenLoop(t, st, "ob1", "conv")

	plan, err := o.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if plan.Outcome != ReasonOKPosted || len(src.requests) != 1 || src.requests[0] != "conv" {
		t.Fatalf("first tick: %+v requests=%v", plan, src.requests)
	}

	// Same conversation is inside the cooldown on the next tick.
	plan, err = o.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if plan.Outcome != ReasonNoPlannedTargets || len(src.requests) != 1 {
		t.Fatalf("cooldown not committed: %+v requests=%v", plan, src.requests)
	}

	plans, err := st.ListActionPlans(10)
	if err != nil || len(plans) != 2 {
		t.Fatalf("action plans: %v %v", plans, err)
	}
}

func TestRunTickPostFailureSkipsCooldown(t *testing.T) {
	src := &tickSource{status: connectedStatus(1.0), historyErr: errors.New("downstream 502")}
	cfg := testConfig()
	cfg.DigestHour = 23
	o, st := newTestOrchestrator(t, src, cfg)
	seedOpenLoop(t, st, "ob1", "conv")

	plan, err := o.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if plan.Outcome != ReasonPostFailed {
		t.Fatalf("outcome = %s", plan.Outcome)
	}

	// The persisted artifact carries the failure on the candidates too, not
	// just the plan-level outcome.
	plans, err := st.ListActionPlans(1)
	if err != nil || len(plans) != 1 {
		t.Fatalf("action plans: %v %v", plans, err)
	}
	var persisted Plan
	if err := json.Unmarshal([]byte(plans[0].Plan), &persisted); err != nil {
		t.Fatalf("decode persisted plan: %v", err)
	}
	if len(persisted.Candidates) == 0 {
		t.Fatal("persisted plan has no candidates")
	}
	for _, c := range persisted.Candidates {
		if c.Planned && c.Reason != ReasonPostFailed {
			t.Fatalf("candidate %s reason = %s after failed post", c.ConversationID, c.Reason)
		}
	}

	// No cooldown was committed, so the fixed source gets the request.
	src.mu.Lock()
	src.historyErr = nil
	src.mu.Unlock()
	plan, err = o.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if plan.Outcome != ReasonOKPosted || len(src.requests) != 1 {
		t.Fatalf("retry after failure: %+v requests=%v", plan, src.requests)
	}
}

func TestRunTickStatePersistsAcrossInstances(t *testing.T) {
	src := &tickSource{status: connectedStatus(1.0)}
	cfg := testConfig()
	cfg.DigestHour = 23
	o, st := newTestOrchestrator(t, src, cfg)
	seedOpenLoop(t, st, "ob1", "conv")

	if _, err := o.RunTick(context.Background(), false); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// A new instance over the same store inherits the cooldown.
	o2 := New(st, src, cfg)
	plan, err := o2.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("tick on new instance: %v", err)
	}
	if plan.Outcome != ReasonNoPlannedTargets {
		t.Fatalf("cooldown lost across restart: %+v", plan)
	}
}

func TestRunTickDigestOncePerDay(t *testing.T) {
	src := &tickSource{status: connectedStatus(1.0)}
	cfg := testConfig()
	cfg.DigestHour = 0 // always past the digest hour
	o, st := newTestOrchestrator(t, src, cfg)

	plan, err := o.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !plan.Digest {
		t.Fatal("digest not planned")
	}
	n, err := st.CountJobs(store.JobQueued)
	if err != nil || n != 1 {
		t.Fatalf("daily_metrics not enqueued: %d %v", n, err)
	}

	plan, err = o.RunTick(context.Background(), false)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if plan.Digest {
		t.Fatal("digest repeated within the same day")
	}
}

func TestStatusReportsNextDue(t *testing.T) {
	src := &tickSource{status: connectedStatus(1.0)}
	cfg := testConfig()
	cfg.DigestHour = 23
	o, st := newTestOrchestrator(t, src, cfg)
	seedOpenLoop(t, st, "ob1", "conv")

	if _, err := o.RunTick(context.Background(), false); err != nil {
		t.Fatalf("tick: %v", err)
	}
	rep, err := o.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rep.Conn != StateConnected || !rep.BackfillDone {
		t.Fatalf("status snapshot: %+v", rep)
	}
	next, ok := rep.NextRequest["conv"]
	if !ok || time.Until(next) > cfg.Cooldown || time.Until(next) < cfg.Cooldown-time.Minute {
		t.Fatalf("next request due wrong: %v", next)
	}
	if rep.NextDigest.IsZero() {
		t.Fatal("next digest missing")
	}
}
