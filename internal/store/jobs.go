package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when enqueue would exceed the depth bound.
var ErrQueueFull = errors.New("job queue full")

// backoffLadder schedules retries after failures, holding at the maximum.
var backoffLadder = []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

// Backoff returns the retry delay for the given attempt count (1-based).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffLadder) {
		attempts = len(backoffLadder)
	}
	return backoffLadder[attempts-1]
}

// EnqueueJob inserts a queued job. With a non-empty dedupeKey the call is
// idempotent: an existing queued-or-running job of the same type,
// conversation, and key makes it a no-op returning the existing job.
func (s *Store) EnqueueJob(jobType, conversationID, payload, dedupeKey string, notBefore time.Time) (*Job, error) {
	if payload == "" {
		payload = "{}"
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: begin: %w", jobType, err)
	}
	defer tx.Rollback()

	if dedupeKey != "" {
		var id string
		err := tx.QueryRow(`
			SELECT id FROM jobs
			WHERE type = ? AND conversation_id = ? AND dedupe_key = ? AND status IN ('queued','running')
			LIMIT 1`, jobType, conversationID, dedupeKey).Scan(&id)
		if err == nil {
			_ = tx.Commit()
			return s.GetJob(id)
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("enqueue %s: dedupe check: %w", jobType, err)
		}
	}

	depth := s.MaxQueueDepth
	if depth <= 0 {
		depth = DefaultMaxQueueDepth
	}
	var queued int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&queued); err != nil {
		return nil, fmt.Errorf("enqueue %s: depth check: %w", jobType, err)
	}
	if queued >= depth {
		return nil, fmt.Errorf("enqueue %s: %w (depth %d)", jobType, ErrQueueFull, queued)
	}

	job := &Job{
		ID:             uuid.NewString(),
		Type:           jobType,
		ConversationID: conversationID,
		Payload:        payload,
		DedupeKey:      dedupeKey,
		Status:         JobQueued,
		RunAfter:       notBefore.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = job.CreatedAt
	}
	_, err = tx.Exec(`
		INSERT INTO jobs (id, type, conversation_id, payload, dedupe_key, status, attempts, run_after, created_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?)`,
		job.ID, job.Type, job.ConversationID, job.Payload, job.DedupeKey, job.RunAfter, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("enqueue %s: commit: %w", jobType, err)
	}
	return job, nil
}

// ClaimJobs atomically selects up to max queued jobs whose run_after has
// elapsed, marks them running, and returns them. Selection and lock are one
// statement, so two concurrent claimers never receive the same job —
// SQLite's single-writer transaction is the skip-locked equivalent here.
func (s *Store) ClaimJobs(max int, now time.Time) ([]Job, error) {
	if max <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		UPDATE jobs SET status = 'running', locked_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_after <= ?
			ORDER BY run_after, rowid
			LIMIT ?
		)
		RETURNING id, type, conversation_id, payload, dedupe_key, status, attempts, run_after, locked_at, last_error, created_at`,
		now.UTC(), now.UTC(), max)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	// RETURNING order is unspecified; restore the claim order.
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].RunAfter.Equal(out[k].RunAfter) {
			return out[i].RunAfter.Before(out[k].RunAfter)
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// CompleteJob marks a job done and clears its lock.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'done', locked_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete job %s: not found", id)
	}
	return nil
}

// FailJob returns a job to the queue with an incremented attempt count and
// a backoff-delayed run_after.
func (s *Store) FailJob(id, errText string, now time.Time) error {
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM jobs WHERE id = ?`, id).Scan(&attempts); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	attempts++
	runAfter := now.UTC().Add(Backoff(attempts))
	_, err := s.db.Exec(`
		UPDATE jobs SET status = 'queued', attempts = ?, run_after = ?, locked_at = NULL, last_error = ?
		WHERE id = ?`, attempts, runAfter, errText, id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// SweepStaleLocks reclaims running jobs whose lock is older than timeout —
// the crashed-worker case. Returns how many jobs were requeued.
func (s *Store) SweepStaleLocks(timeout time.Duration, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-timeout)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'queued', attempts = attempts + 1, locked_at = NULL,
			last_error = 'lock expired', run_after = ?
		WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at <= ?`,
		now.UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJob returns one job, or nil when absent.
func (s *Store) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`
		SELECT id, type, conversation_id, payload, dedupe_key, status, attempts, run_after, locked_at, last_error, created_at
		FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// CountJobs returns the number of jobs in the given status.
func (s *Store) CountJobs(status string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var locked sql.NullTime
	err := row.Scan(&j.ID, &j.Type, &j.ConversationID, &j.Payload, &j.DedupeKey,
		&j.Status, &j.Attempts, &j.RunAfter, &locked, &j.LastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if locked.Valid {
		t := locked.Time.UTC()
		j.LockedAt = &t
	}
	j.RunAfter = j.RunAfter.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}
