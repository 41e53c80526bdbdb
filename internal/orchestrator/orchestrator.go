package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/source"
	"github.com/loopline/loopline/internal/store"
)

// ErrTickInProgress is returned when a tick fires while the previous one is
// still running. Overlapping ticks are skipped, not queued.
var ErrTickInProgress = errors.New("orchestrator: tick already in progress")

// eventWindow is how far ahead a dated obligation marks its conversation as
// event-priority.
const eventWindow = 72 * time.Hour

// Notifier delivers the daily digest. Best-effort.
type Notifier interface {
	SendDigest(ctx context.Context, surfaced []loops.SurfacedLoop) error
}

// Auditor mirrors ActionPlan artifacts to an external sink. Best-effort.
type Auditor interface {
	MirrorPlan(ctx context.Context, tickID string, plan []byte) error
}

// Orchestrator owns the tick loop: probe, plan, execute, persist.
type Orchestrator struct {
	store  *store.Store
	source source.Client
	cfg    Config

	notifier Notifier
	auditor  Auditor

	mu     sync.Mutex
	state  State
	loaded bool
}

func New(st *store.Store, src source.Client, cfg Config) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 200
	}
	if cfg.HotWindow <= 0 {
		cfg.HotWindow = 24 * time.Hour
	}
	return &Orchestrator{store: st, source: src, cfg: cfg}
}

// SetNotifier attaches the digest channel. With no channel a due digest is
// still marked done, so a missing notifier cannot wedge the schedule.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// SetAuditor attaches the plan mirror.
func (o *Orchestrator) SetAuditor(a Auditor) { o.auditor = a }

// Run ticks until the context ends.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunTick(ctx, false); err != nil && !errors.Is(err, ErrTickInProgress) {
				slog.Error("orchestrator tick failed", "error", err)
			}
		}
	}
}

// RunTick executes one tick: probe the source, plan under the gates, post
// the planned history requests, send a due digest, persist state and the
// ActionPlan artifact. Cooldowns only advance when the whole action batch
// posted; a partial downstream failure changes nothing.
func (o *Orchestrator) RunTick(ctx context.Context, force bool) (*Plan, error) {
	if !o.mu.TryLock() {
		return nil, ErrTickInProgress
	}
	defer o.mu.Unlock()

	if err := o.loadStateLocked(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	in := Inputs{Force: force}
	status, err := o.source.FetchStatus(ctx)
	if err != nil {
		in.ProbeErr = err.Error()
	} else {
		in.Status = status
	}
	obs, err := o.store.ListObligations("")
	if err != nil {
		return nil, fmt.Errorf("tick: list obligations: %w", err)
	}
	in.EventPriority, in.Ordinary = targetConversations(obs, now, o.cfg.HotWindow)

	state, plan := PlanTick(o.cfg, o.state, in, now)
	plan.TickID = uuid.NewString()

	if len(plan.Actions) > 0 {
		if err := o.postActions(ctx, plan.Actions); err != nil {
			plan.Outcome = ReasonPostFailed
			// The persisted artifact must not claim posts that never happened.
			for i := range plan.Candidates {
				if plan.Candidates[i].Planned {
					plan.Candidates[i].Reason = ReasonPostFailed
				}
			}
			state.recordError(now, err.Error())
			slog.Warn("history requests failed", "tick", plan.TickID, "error", err)
		} else {
			if state.Cooldowns == nil {
				state.Cooldowns = make(map[string]time.Time)
			}
			for _, a := range plan.Actions {
				state.Cooldowns[a.ConversationID] = now
			}
		}
	}

	if plan.Digest {
		if err := o.sendDigest(ctx, obs, now); err != nil {
			state.recordError(now, err.Error())
			slog.Warn("digest failed", "tick", plan.TickID, "error", err)
		} else {
			state.LastDigestDate = now.In(o.cfg.Location).Format("2006-01-02")
			if _, err := o.store.EnqueueJob("daily_metrics", "", "", state.LastDigestDate, now); err != nil {
				slog.Warn("enqueue daily_metrics", "error", err)
			}
		}
	}

	o.state = state
	if err := o.persistLocked(&plan); err != nil {
		return &plan, err
	}
	slog.Info("tick complete", "tick", plan.TickID, "conn", plan.Conn, "outcome", plan.Outcome,
		"actions", len(plan.Actions), "digest", plan.Digest)
	return &plan, nil
}

func (o *Orchestrator) postActions(ctx context.Context, actions []Action) error {
	for _, a := range actions {
		if err := o.source.RequestHistory(ctx, a.ConversationID, a.Depth); err != nil {
			return fmt.Errorf("request history %s: %w", a.ConversationID, err)
		}
	}
	return nil
}

func (o *Orchestrator) sendDigest(ctx context.Context, obs []loops.Obligation, now time.Time) error {
	var due []loops.SurfacedLoop
	for _, s := range loops.Consolidate(obs, now) {
		if s.Status == loops.StatusOpen && s.Lane == loops.LaneNow {
			due = append(due, s)
		}
	}
	if o.notifier == nil || len(due) == 0 {
		return nil
	}
	return o.notifier.SendDigest(ctx, due)
}

func (o *Orchestrator) loadStateLocked() error {
	if o.loaded {
		return nil
	}
	raw, err := o.store.LoadOrchestratorState()
	if err != nil {
		return fmt.Errorf("load orchestrator state: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &o.state); err != nil {
			slog.Warn("orchestrator state unreadable, starting fresh", "error", err)
			o.state = State{}
		}
	}
	o.loaded = true
	return nil
}

func (o *Orchestrator) persistLocked(plan *Plan) error {
	stateJSON, err := json.Marshal(o.state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := o.store.SaveOrchestratorState(string(stateJSON)); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := o.store.AppendActionPlan(plan.TickID, string(planJSON)); err != nil {
		return fmt.Errorf("append action plan: %w", err)
	}
	if o.auditor != nil {
		if err := o.auditor.MirrorPlan(context.Background(), plan.TickID, planJSON); err != nil {
			slog.Warn("plan mirror failed", "tick", plan.TickID, "error", err)
		}
	}
	return nil
}

// StatusReport is the API-facing orchestrator snapshot.
type StatusReport struct {
	Conn         ConnState            `json:"conn"`
	BackfillDone bool                 `json:"backfill_done"`
	NextRequest  map[string]time.Time `json:"next_history_request,omitempty"`
	NextDigest   time.Time            `json:"next_digest"`
	Errors       []TickError          `json:"errors,omitempty"`
}

// Status reports current state plus next-due times per action family.
func (o *Orchestrator) Status() (*StatusReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.loadStateLocked(); err != nil {
		return nil, err
	}
	rep := &StatusReport{
		Conn:         o.state.Conn,
		BackfillDone: o.state.BackfillDone,
		Errors:       o.state.Errors,
	}
	if rep.Conn == "" {
		rep.Conn = StateUnreachable
	}
	if len(o.state.Cooldowns) > 0 {
		rep.NextRequest = make(map[string]time.Time, len(o.state.Cooldowns))
		for conv, last := range o.state.Cooldowns {
			rep.NextRequest[conv] = last.Add(o.cfg.Cooldown)
		}
	}
	rep.NextDigest = o.nextDigestLocked(time.Now().UTC())
	return rep, nil
}

func (o *Orchestrator) nextDigestLocked(now time.Time) time.Time {
	local := now.In(o.cfg.Location)
	due := time.Date(local.Year(), local.Month(), local.Day(), o.cfg.DigestHour, 0, 0, 0, o.cfg.Location)
	if o.state.LastDigestDate == local.Format("2006-01-02") {
		due = due.Add(24 * time.Hour)
	}
	return due.UTC()
}

// targetConversations derives the tick's candidate lists from persisted
// obligations. Conversations with a dated obligation inside the event window
// are event-priority, soonest first; the rest must be hot (an open
// obligation seen within hotWindow) and rank by open-obligation count.
func targetConversations(obs []loops.Obligation, now time.Time, hotWindow time.Duration) (eventPriority, ordinary []string) {
	type stat struct {
		open      int
		lastSeen  time.Time
		nextEvent time.Time
	}
	stats := make(map[string]*stat)
	for i := range obs {
		ob := &obs[i]
		if ob.Status != loops.StatusOpen || ob.ConversationID == "" {
			continue
		}
		s := stats[ob.ConversationID]
		if s == nil {
			s = &stat{}
			stats[ob.ConversationID] = s
		}
		s.open++
		if ob.LastSeenAt.After(s.lastSeen) {
			s.lastSeen = ob.LastSeenAt
		}
		if ob.HasExplicitTime && ob.When != nil &&
			ob.When.After(now) && ob.When.Sub(now) <= eventWindow {
			if s.nextEvent.IsZero() || ob.When.Before(s.nextEvent) {
				s.nextEvent = *ob.When
			}
		}
	}

	var withEvent, plain []string
	for conv, s := range stats {
		if !s.nextEvent.IsZero() {
			withEvent = append(withEvent, conv)
		} else if hotWindow <= 0 || now.Sub(s.lastSeen) <= hotWindow {
			plain = append(plain, conv)
		}
	}
	sort.Slice(withEvent, func(i, j int) bool {
		a, b := stats[withEvent[i]], stats[withEvent[j]]
		if !a.nextEvent.Equal(b.nextEvent) {
			return a.nextEvent.Before(b.nextEvent)
		}
		return withEvent[i] < withEvent[j]
	})
	sort.Slice(plain, func(i, j int) bool {
		a, b := stats[plain[i]], stats[plain[j]]
		if a.open != b.open {
			return a.open > b.open
		}
		return plain[i] < plain[j]
	})
	return withEvent, plain
}
