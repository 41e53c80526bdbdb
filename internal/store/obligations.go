package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loopline/loopline/internal/loops"
)

// UpsertObligation folds a sighting into the persisted set: an existing
// record with the same id is merged per the loops merge policy; otherwise
// the sighting is inserted as-is. The read-merge-write runs in one
// transaction so concurrent upserts for different conversations cannot
// interleave on the same row.
func (s *Store) UpsertObligation(ob loops.Obligation) (loops.Obligation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ob, fmt.Errorf("upsert obligation: begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanObligation(tx.QueryRow(obligationSelect+` WHERE id = ?`, ob.ID))
	if err != nil && err != sql.ErrNoRows {
		return ob, fmt.Errorf("upsert obligation %s: %w", ob.ID, err)
	}
	if err == nil {
		ob = loops.Merge(*existing, ob)
	}
	if err := writeObligation(tx, ob); err != nil {
		return ob, fmt.Errorf("upsert obligation %s: %w", ob.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return ob, fmt.Errorf("upsert obligation %s: commit: %w", ob.ID, err)
	}
	return ob, nil
}

// GetObligation returns one record, or nil when absent.
func (s *Store) GetObligation(id string) (*loops.Obligation, error) {
	ob, err := scanObligation(s.db.QueryRow(obligationSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get obligation %s: %w", id, err)
	}
	return ob, nil
}

// ListObligations returns all records, optionally for one conversation,
// in stable id order. Consolidation/ordering happens in the loops package.
func (s *Store) ListObligations(conversationID string) ([]loops.Obligation, error) {
	q := obligationSelect + ` ORDER BY id`
	args := []any{}
	if conversationID != "" {
		q = obligationSelect + ` WHERE conversation_id = ? ORDER BY id`
		args = append(args, conversationID)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", err)
	}
	defer rows.Close()

	var out []loops.Obligation
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ob)
	}
	return out, rows.Err()
}

// SetObligationStatus transitions status. Done is sticky: a done record
// refuses any transition back to open.
func (s *Store) SetObligationStatus(id string, status loops.Status) error {
	res, err := s.db.Exec(`UPDATE obligations SET status = ? WHERE id = ? AND NOT (status = 'done' AND ? = 'open')`,
		string(status), id, string(status))
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status %s: no such obligation", id)
	}
	return nil
}

// SnoozeObligation sets a time-boxed suppression; the record stays open.
func (s *Store) SnoozeObligation(id string, until time.Time) error {
	res, err := s.db.Exec(`UPDATE obligations SET snoozed_until = ? WHERE id = ?`, until.UTC(), id)
	if err != nil {
		return fmt.Errorf("snooze %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("snooze %s: no such obligation", id)
	}
	return nil
}

const obligationSelect = `
	SELECT id, conversation_id, owner, kind, summary, task_goal,
		when_ts, when_date, has_explicit_time, when_options,
		status, urgency, importance, confidence,
		evidence_msg_id, evidence_text, evidence_inferred,
		first_seen_at, last_seen_at, times_mentioned,
		blocked, depends_on_task_goal, snoozed_until, lane_override
	FROM obligations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (*loops.Obligation, error) {
	var ob loops.Obligation
	var whenTS, snoozed sql.NullTime
	var options string
	err := row.Scan(&ob.ID, &ob.ConversationID, &ob.Owner, &ob.Kind, &ob.Summary, &ob.TaskGoal,
		&whenTS, &ob.WhenDate, &ob.HasExplicitTime, &options,
		&ob.Status, &ob.Urgency, &ob.Importance, &ob.Confidence,
		&ob.EvidenceMsgID, &ob.EvidenceText, &ob.EvidenceInferred,
		&ob.FirstSeenAt, &ob.LastSeenAt, &ob.TimesMentioned,
		&ob.Blocked, &ob.DependsOnTaskGoal, &snoozed, &ob.LaneOverride)
	if err != nil {
		return nil, err
	}
	if whenTS.Valid {
		t := whenTS.Time.UTC()
		ob.When = &t
	}
	if snoozed.Valid {
		t := snoozed.Time.UTC()
		ob.SnoozedUntil = &t
	}
	if options != "" && options != "[]" {
		_ = json.Unmarshal([]byte(options), &ob.WhenOptions)
	}
	ob.FirstSeenAt = ob.FirstSeenAt.UTC()
	ob.LastSeenAt = ob.LastSeenAt.UTC()
	return &ob, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func writeObligation(db execer, ob loops.Obligation) error {
	options, _ := json.Marshal(ob.WhenOptions)
	var whenTS, snoozed any
	if ob.When != nil {
		whenTS = ob.When.UTC()
	}
	if ob.SnoozedUntil != nil {
		snoozed = ob.SnoozedUntil.UTC()
	}
	_, err := db.Exec(`
		INSERT INTO obligations (
			id, conversation_id, owner, kind, summary, task_goal,
			when_ts, when_date, has_explicit_time, when_options,
			status, urgency, importance, confidence,
			evidence_msg_id, evidence_text, evidence_inferred,
			first_seen_at, last_seen_at, times_mentioned,
			blocked, depends_on_task_goal, snoozed_until, lane_override
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			summary = excluded.summary,
			task_goal = excluded.task_goal,
			when_ts = excluded.when_ts,
			when_date = excluded.when_date,
			has_explicit_time = excluded.has_explicit_time,
			when_options = excluded.when_options,
			status = excluded.status,
			urgency = excluded.urgency,
			importance = excluded.importance,
			confidence = excluded.confidence,
			evidence_msg_id = excluded.evidence_msg_id,
			evidence_text = excluded.evidence_text,
			evidence_inferred = excluded.evidence_inferred,
			first_seen_at = excluded.first_seen_at,
			last_seen_at = excluded.last_seen_at,
			times_mentioned = excluded.times_mentioned,
			blocked = excluded.blocked,
			depends_on_task_goal = excluded.depends_on_task_goal,
			snoozed_until = excluded.snoozed_until,
			lane_override = excluded.lane_override`,
		ob.ID, ob.ConversationID, ob.Owner, string(ob.Kind), ob.Summary, ob.TaskGoal,
		whenTS, ob.WhenDate, ob.HasExplicitTime, string(options),
		string(ob.Status), string(ob.Urgency), ob.Importance, ob.Confidence,
		ob.EvidenceMsgID, ob.EvidenceText, ob.EvidenceInferred,
		ob.FirstSeenAt.UTC(), ob.LastSeenAt.UTC(), ob.TimesMentioned,
		ob.Blocked, ob.DependsOnTaskGoal, snoozed, ob.LaneOverride)
	return err
}
