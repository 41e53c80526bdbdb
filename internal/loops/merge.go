package loops

import (
	"time"
)

// Merge folds a new sighting into an existing obligation with the same task
// key. The policy is order-insensitive for a fixed set of sightings and
// idempotent when replaying the same sighting:
//
//   - done is sticky: once either side is done the result stays done
//   - urgency, importance, confidence widen to the maximum
//   - the temporal anchor prefers whichever side carries an explicit clock
//     time; with neither or both explicit, the existing value stands
//   - WhenOptions accumulate as a capped, order-preserving distinct set
//   - FirstSeenAt takes the minimum, LastSeenAt the maximum
//   - TimesMentioned sums
//   - the longer summary wins
func Merge(existing, incoming Obligation) Obligation {
	out := existing

	switch {
	case existing.Status == StatusDone || incoming.Status == StatusDone:
		out.Status = StatusDone
	case existing.Status == StatusDismissed || incoming.Status == StatusDismissed:
		out.Status = StatusDismissed
	default:
		out.Status = StatusOpen
	}

	out.Urgency = MaxUrgency(existing.Urgency, incoming.Urgency)
	if incoming.Importance > out.Importance {
		out.Importance = incoming.Importance
	}
	if incoming.Confidence > out.Confidence {
		out.Confidence = incoming.Confidence
	}

	if incoming.HasExplicitTime && !existing.HasExplicitTime {
		out.When = incoming.When
		out.WhenDate = incoming.WhenDate
		out.HasExplicitTime = true
	} else if !existing.HasExplicitTime && existing.WhenDate == "" {
		// No anchor yet: fill from the sighting.
		out.When = incoming.When
		out.WhenDate = incoming.WhenDate
		out.HasExplicitTime = incoming.HasExplicitTime
	}
	out.WhenOptions = mergeWhenOptions(existing.WhenOptions, incoming.WhenOptions)

	if minT := minTime(existing.FirstSeenAt, incoming.FirstSeenAt); !minT.IsZero() {
		out.FirstSeenAt = minT
	}
	if maxT := maxTime(existing.LastSeenAt, incoming.LastSeenAt); !maxT.IsZero() {
		out.LastSeenAt = maxT
	}
	// A replay of an already-counted sighting (same evidence message, no
	// newer timestamp) must not inflate the mention count; that keeps the
	// merge idempotent when the same sighting arrives twice.
	if incoming.EvidenceMsgID != "" && incoming.EvidenceMsgID == existing.EvidenceMsgID &&
		!incoming.LastSeenAt.After(existing.LastSeenAt) {
		out.TimesMentioned = existing.TimesMentioned
	} else {
		out.TimesMentioned = existing.TimesMentioned + incoming.TimesMentioned
	}

	if len(incoming.Summary) > len(existing.Summary) {
		out.Summary = incoming.Summary
	}
	if out.EvidenceMsgID == "" {
		out.EvidenceMsgID = incoming.EvidenceMsgID
		out.EvidenceText = incoming.EvidenceText
		out.EvidenceInferred = incoming.EvidenceInferred
	}
	if incoming.Blocked {
		out.Blocked = true
		if out.DependsOnTaskGoal == "" {
			out.DependsOnTaskGoal = incoming.DependsOnTaskGoal
		}
	}
	return out
}

// mergeWhenOptions unions two option lists preserving first-seen order,
// capped at MaxWhenOptions.
func mergeWhenOptions(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, opts := range [][]string{a, b} {
		for _, o := range opts {
			if o == "" || seen[o] {
				continue
			}
			seen[o] = true
			out = append(out, o)
			if len(out) >= MaxWhenOptions {
				return out
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
