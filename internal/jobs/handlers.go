package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/store"
)

// RegisterDefaultHandlers wires the built-in rollup handlers.
func RegisterDefaultHandlers(w *Worker, st *store.Store) {
	w.Register("conversation_metrics", ConversationMetricsHandler(st))
	w.Register("event_extraction", EventRollupHandler(st))
	w.Register("daily_metrics", DailyMetricsHandler(st))
}

// ConversationMetricsHandler snapshots per-conversation obligation stats.
func ConversationMetricsHandler(st *store.Store) HandlerFunc {
	return func(_ context.Context, job store.Job) error {
		if job.ConversationID == "" {
			return fmt.Errorf("conversation_metrics: missing conversation id")
		}
		obs, err := st.ListObligations(job.ConversationID)
		if err != nil {
			return err
		}
		m := store.ConversationMetrics{
			ConversationID: job.ConversationID,
			ComputedAt:     time.Now().UTC(),
		}
		var importanceSum int
		for i := range obs {
			switch obs[i].Status {
			case loops.StatusOpen:
				m.OpenCount++
			case loops.StatusDone:
				m.DoneCount++
			}
			if obs[i].HasExplicitTime {
				m.DatedCount++
			}
			importanceSum += obs[i].Importance
		}
		if len(obs) > 0 {
			m.AvgImportance = float64(importanceSum) / float64(len(obs))
		}
		return st.UpsertConversationMetrics(m)
	}
}

// upcomingEvent is one entry of the per-conversation event rollup.
type upcomingEvent struct {
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	When    time.Time `json:"when"`
}

// EventRollupHandler stores the ordered list of upcoming dated obligations
// for a conversation under a settings key, for fast listing.
func EventRollupHandler(st *store.Store) HandlerFunc {
	return func(_ context.Context, job store.Job) error {
		if job.ConversationID == "" {
			return fmt.Errorf("event_extraction: missing conversation id")
		}
		obs, err := st.ListObligations(job.ConversationID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var events []upcomingEvent
		for i := range obs {
			ob := &obs[i]
			if ob.Status != loops.StatusOpen || !ob.HasExplicitTime || ob.When == nil || ob.When.Before(now) {
				continue
			}
			events = append(events, upcomingEvent{ID: ob.ID, Summary: ob.Summary, When: ob.When.UTC()})
		}
		for i := 1; i < len(events); i++ {
			for j := i; j > 0 && events[j].When.Before(events[j-1].When); j-- {
				events[j], events[j-1] = events[j-1], events[j]
			}
		}
		data, err := json.Marshal(events)
		if err != nil {
			return err
		}
		return st.SetSetting("events:"+job.ConversationID, string(data))
	}
}

// dailyCounts is the global daily rollup payload.
type dailyCounts struct {
	Open       int       `json:"open"`
	Done       int       `json:"done"`
	Dismissed  int       `json:"dismissed"`
	NowLane    int       `json:"now_lane"`
	ComputedAt time.Time `json:"computed_at"`
}

// DailyMetricsHandler stores global obligation counts for the digest day.
func DailyMetricsHandler(st *store.Store) HandlerFunc {
	return func(_ context.Context, job store.Job) error {
		obs, err := st.ListObligations("")
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		counts := dailyCounts{ComputedAt: now}
		for _, s := range loops.Consolidate(obs, now) {
			switch s.Status {
			case loops.StatusOpen:
				counts.Open++
				if s.Lane == loops.LaneNow {
					counts.NowLane++
				}
			case loops.StatusDone:
				counts.Done++
			case loops.StatusDismissed:
				counts.Dismissed++
			}
		}
		data, err := json.Marshal(counts)
		if err != nil {
			return err
		}
		key := "daily_metrics"
		if job.DedupeKey != "" {
			key = "daily_metrics:" + job.DedupeKey
		}
		return st.SetSetting(key, string(data))
	}
}
