// Package loops contains the open-loop domain core: the obligation type,
// stable identity derivation, the merge policy, and consolidation for
// surfacing.
package loops

import (
	"time"
)

// Kind classifies what sort of open loop an obligation is.
type Kind string

const (
	KindReplyNeeded    Kind = "reply-needed"
	KindDecisionNeeded Kind = "decision-needed"
	KindTodo           Kind = "todo"
	KindDatedEvent     Kind = "dated-event"
	KindInfoToSave     Kind = "info-to-save"
	KindFollowUp       Kind = "follow-up"
)

// ValidKind reports whether k is one of the fixed obligation kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindReplyNeeded, KindDecisionNeeded, KindTodo, KindDatedEvent, KindInfoToSave, KindFollowUp:
		return true
	}
	return false
}

// Status is the lifecycle state of an obligation. Obligations are never
// physically deleted; they only transition to done or dismissed.
type Status string

const (
	StatusOpen      Status = "open"
	StatusDone      Status = "done"
	StatusDismissed Status = "dismissed"
)

// Urgency levels, ordered low < moderate < high.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyModerate Urgency = "moderate"
	UrgencyHigh     Urgency = "high"
)

// Lane is the presentation bucket an obligation surfaces in.
const (
	LaneNow     = "now"
	LaneLater   = "later"
	LaneBacklog = "backlog"
)

// Obligation is the central entity: a tracked, actionable item derived from
// conversation text. Identity is content-derived (see StableID) so repeated
// extraction of the same logical obligation upserts instead of duplicating.
type Obligation struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Owner          string `json:"owner"`
	Kind           Kind   `json:"kind"`
	Summary        string `json:"summary"`
	TaskGoal       string `json:"task_goal"`

	// Temporal anchor: When carries an exact instant, WhenDate a date-only
	// anchor (YYYY-MM-DD), or neither when no time was found.
	When            *time.Time `json:"when,omitempty"`
	WhenDate        string     `json:"when_date,omitempty"`
	HasExplicitTime bool       `json:"has_explicit_time"`
	WhenOptions     []string   `json:"when_options,omitempty"`

	Status     Status  `json:"status"`
	Urgency    Urgency `json:"urgency"`
	Importance int     `json:"importance"` // 1..10
	Confidence float64 `json:"confidence"` // 0..1

	EvidenceMsgID    string `json:"evidence_msg_id"`
	EvidenceText     string `json:"evidence_text"`
	EvidenceInferred bool   `json:"evidence_inferred"`

	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	TimesMentioned int       `json:"times_mentioned"`

	Blocked           bool   `json:"blocked"`
	DependsOnTaskGoal string `json:"depends_on_task_goal,omitempty"`

	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	LaneOverride string     `json:"lane_override,omitempty"`
}

// MaxWhenOptions caps the accumulated distinct temporal strings per record.
const MaxWhenOptions = 5

// MaxSummaryLen bounds stored summary text.
const MaxSummaryLen = 280

// Snoozed reports whether the obligation is suppressed at the given time.
func (o *Obligation) Snoozed(now time.Time) bool {
	return o.SnoozedUntil != nil && now.Before(*o.SnoozedUntil)
}

// Deadline returns the obligation's effective deadline: the exact instant
// when present, else end-of-day of the date-only anchor, else nil.
func (o *Obligation) Deadline() *time.Time {
	if o.When != nil {
		return o.When
	}
	if o.WhenDate != "" {
		if d, err := time.Parse("2006-01-02", o.WhenDate); err == nil {
			eod := d.Add(24*time.Hour - time.Second)
			return &eod
		}
	}
	return nil
}

func urgencyRank(u Urgency) int {
	switch u {
	case UrgencyHigh:
		return 2
	case UrgencyModerate:
		return 1
	default:
		return 0
	}
}

// MaxUrgency returns the higher of the two urgencies.
func MaxUrgency(a, b Urgency) Urgency {
	if urgencyRank(b) > urgencyRank(a) {
		return b
	}
	if a == "" {
		return UrgencyLow
	}
	return a
}
