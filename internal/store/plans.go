package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendActionPlan writes one immutable plan artifact. Plans are never
// updated; a new tick writes a new row.
func (s *Store) AppendActionPlan(tickID, planJSON string) error {
	_, err := s.db.Exec(`INSERT INTO action_plans (tick_id, plan) VALUES (?, ?)`, tickID, planJSON)
	if err != nil {
		return fmt.Errorf("append action plan %s: %w", tickID, err)
	}
	return nil
}

// ListActionPlans returns the most recent plan artifacts, newest first.
func (s *Store) ListActionPlans(limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, tick_id, plan, created_at FROM action_plans
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list action plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		var p PlanRecord
		if err := rows.Scan(&p.ID, &p.TickID, &p.Plan, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveOrchestratorState persists the singleton state snapshot.
func (s *Store) SaveOrchestratorState(stateJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO orchestrator_state (id, state, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`, stateJSON)
	if err != nil {
		return fmt.Errorf("save orchestrator state: %w", err)
	}
	return nil
}

// LoadOrchestratorState returns the stored snapshot, or "" when none exists.
func (s *Store) LoadOrchestratorState() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT state FROM orchestrator_state WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load orchestrator state: %w", err)
	}
	return v, nil
}

// ReplaceRefreshErrors swaps the per-item error list from the latest refresh
// batch. Best-effort observability only.
func (s *Store) ReplaceRefreshErrors(errs []RefreshError) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace refresh errors: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM refresh_errors`); err != nil {
		return fmt.Errorf("replace refresh errors: %w", err)
	}
	for _, e := range errs {
		if _, err := tx.Exec(`INSERT INTO refresh_errors (conversation_id, error, at) VALUES (?, ?, ?)`,
			e.ConversationID, e.Error, e.At.UTC()); err != nil {
			return fmt.Errorf("replace refresh errors: %w", err)
		}
	}
	return tx.Commit()
}

// ListRefreshErrors returns the stored per-item errors.
func (s *Store) ListRefreshErrors() ([]RefreshError, error) {
	rows, err := s.db.Query(`SELECT conversation_id, error, at FROM refresh_errors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list refresh errors: %w", err)
	}
	defer rows.Close()
	var out []RefreshError
	for rows.Next() {
		var e RefreshError
		if err := rows.Scan(&e.ConversationID, &e.Error, &e.At); err != nil {
			return nil, err
		}
		e.At = e.At.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConversationMetrics is a computed per-conversation rollup, produced by the
// conversation_metrics job.
type ConversationMetrics struct {
	ConversationID string    `json:"conversation_id"`
	OpenCount      int       `json:"open_count"`
	DoneCount      int       `json:"done_count"`
	DatedCount     int       `json:"dated_count"`
	AvgImportance  float64   `json:"avg_importance"`
	ComputedAt     time.Time `json:"computed_at"`
}

// UpsertConversationMetrics stores a metrics snapshot.
func (s *Store) UpsertConversationMetrics(m ConversationMetrics) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_metrics (conversation_id, open_count, done_count, dated_count, avg_importance, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			open_count = excluded.open_count,
			done_count = excluded.done_count,
			dated_count = excluded.dated_count,
			avg_importance = excluded.avg_importance,
			computed_at = excluded.computed_at`,
		m.ConversationID, m.OpenCount, m.DoneCount, m.DatedCount, m.AvgImportance, m.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert metrics %s: %w", m.ConversationID, err)
	}
	return nil
}

// GetConversationMetrics returns the snapshot for a conversation, or nil.
func (s *Store) GetConversationMetrics(conversationID string) (*ConversationMetrics, error) {
	var m ConversationMetrics
	err := s.db.QueryRow(`
		SELECT conversation_id, open_count, done_count, dated_count, avg_importance, computed_at
		FROM conversation_metrics WHERE conversation_id = ?`, conversationID).
		Scan(&m.ConversationID, &m.OpenCount, &m.DoneCount, &m.DatedCount, &m.AvgImportance, &m.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics %s: %w", conversationID, err)
	}
	m.ComputedAt = m.ComputedAt.UTC()
	return &m, nil
}
