package loops

import (
	"sort"
	"time"
)

// SurfacedLoop is an obligation prepared for presentation: re-consolidated,
// with its derived surface type and lane.
type SurfacedLoop struct {
	Obligation
	SurfaceType Kind   `json:"surface_type"`
	Lane        string `json:"lane"`
}

// NowLaneLookahead is the window within which a deadline pulls an obligation
// into the "now" lane.
const NowLaneLookahead = 48 * time.Hour

// kindPrecedence ranks kinds for representative selection and final
// ordering. Lower wins.
func kindPrecedence(k Kind) int {
	switch k {
	case KindDecisionNeeded:
		return 0
	case KindReplyNeeded:
		return 1
	case KindDatedEvent:
		return 2
	case KindTodo:
		return 3
	case KindFollowUp:
		return 4
	case KindInfoToSave:
		return 5
	}
	return 6
}

// SurfaceTypeOf derives how an obligation presents: a todo or follow-up
// carrying an explicit time surfaces as a dated event.
func SurfaceTypeOf(o *Obligation) Kind {
	if o.Kind == KindDatedEvent {
		return KindDatedEvent
	}
	if o.HasExplicitTime && (o.Kind == KindTodo || o.Kind == KindFollowUp) {
		return KindDatedEvent
	}
	return o.Kind
}

// LaneOf computes the presentation lane. A caller-supplied override wins;
// otherwise "now" when urgency is high, an explicit time is present, or the
// deadline falls within the lookahead window; else backlog.
func LaneOf(o *Obligation, now time.Time) string {
	if o.LaneOverride != "" {
		return o.LaneOverride
	}
	if o.Urgency == UrgencyHigh || o.HasExplicitTime {
		return LaneNow
	}
	if d := o.Deadline(); d != nil && d.Before(now.Add(NowLaneLookahead)) {
		return LaneNow
	}
	return LaneBacklog
}

// Consolidate runs over the full persisted obligation set for surfacing.
// It re-groups by task key (upstream sources may legitimately produce
// near-duplicate keys), picks a representative per group by kind precedence,
// merges the remainder, excludes snoozed records, and returns a totally
// ordered list: repeated calls on unchanged input are byte-identical.
func Consolidate(all []Obligation, now time.Time) []SurfacedLoop {
	groups := make(map[string][]Obligation)
	order := make([]string, 0, len(all))
	for _, o := range all {
		if o.Snoozed(now) {
			continue
		}
		key := TaskKey(o.ConversationID, o.Owner, NormalizeIntent(o.TaskGoal, "", o.Summary))
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], o)
	}

	out := make([]SurfacedLoop, 0, len(order))
	for _, key := range order {
		rep := consolidateGroup(groups[key])
		out = append(out, SurfacedLoop{
			Obligation:  rep,
			SurfaceType: SurfaceTypeOf(&rep),
			Lane:        LaneOf(&rep, now),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return surfacedLess(&out[i], &out[j])
	})
	return out
}

// consolidateGroup picks the representative by kind precedence (ties broken
// deterministically by id) and merges the rest into it.
func consolidateGroup(group []Obligation) Obligation {
	rep := group[0]
	for _, o := range group[1:] {
		pi, pj := kindPrecedence(o.Kind), kindPrecedence(rep.Kind)
		if pi < pj || (pi == pj && o.ID < rep.ID) {
			rep = o
		}
	}
	for _, o := range group {
		if o.ID == rep.ID {
			continue
		}
		rep = Merge(rep, o)
	}
	return rep
}

// surfacedLess is the total presentation order: open before done/dismissed,
// then surface-type rank, urgency, importance, recency, id.
func surfacedLess(a, b *SurfacedLoop) bool {
	ao, bo := a.Status == StatusOpen, b.Status == StatusOpen
	if ao != bo {
		return ao
	}
	if ra, rb := kindPrecedence(a.SurfaceType), kindPrecedence(b.SurfaceType); ra != rb {
		return ra < rb
	}
	if ua, ub := urgencyRank(a.Urgency), urgencyRank(b.Urgency); ua != ub {
		return ua > ub
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if !a.LastSeenAt.Equal(b.LastSeenAt) {
		return a.LastSeenAt.After(b.LastSeenAt)
	}
	return a.ID < b.ID
}
