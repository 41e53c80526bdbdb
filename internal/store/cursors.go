package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCursor returns the cursor for a conversation, or nil when none exists.
func (s *Store) GetCursor(conversationID string) (*Cursor, error) {
	var c Cursor
	var endedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT conversation_id, last_processed_ts, last_processed_msg_id, last_run_ended_at
		FROM cursors WHERE conversation_id = ?`, conversationID).
		Scan(&c.ConversationID, &c.LastProcessedTS, &c.LastProcessedMsgID, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor %s: %w", conversationID, err)
	}
	if endedAt.Valid {
		c.LastRunEndedAt = endedAt.Time
	}
	c.LastProcessedTS = c.LastProcessedTS.UTC()
	return &c, nil
}

// SetCursor writes a cursor, last-write-wins.
func (s *Store) SetCursor(c Cursor) error {
	_, err := s.db.Exec(`
		INSERT INTO cursors (conversation_id, last_processed_ts, last_processed_msg_id, last_run_ended_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_processed_ts = excluded.last_processed_ts,
			last_processed_msg_id = excluded.last_processed_msg_id,
			last_run_ended_at = excluded.last_run_ended_at`,
		c.ConversationID, c.LastProcessedTS.UTC(), c.LastProcessedMsgID, c.LastRunEndedAt.UTC())
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", c.ConversationID, err)
	}
	return nil
}

// ListCursors returns all cursors, for status reporting.
func (s *Store) ListCursors() ([]Cursor, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, last_processed_ts, last_processed_msg_id, last_run_ended_at
		FROM cursors ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		var endedAt sql.NullTime
		if err := rows.Scan(&c.ConversationID, &c.LastProcessedTS, &c.LastProcessedMsgID, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			c.LastRunEndedAt = endedAt.Time
		}
		c.LastProcessedTS = c.LastProcessedTS.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchCursorRun marks the end of a run without moving the watermark.
func (s *Store) TouchCursorRun(conversationID string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE cursors SET last_run_ended_at = ? WHERE conversation_id = ?`,
		endedAt.UTC(), conversationID)
	return err
}
