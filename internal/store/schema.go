package store

import (
	"time"
)

// Cursor is the per-conversation extraction watermark. Owned exclusively by
// the extraction pipeline; advanced only after a successful
// sanitize+merge+persist cycle.
type Cursor struct {
	ConversationID     string    `json:"conversation_id"`
	LastProcessedTS    time.Time `json:"last_processed_ts"`
	LastProcessedMsgID string    `json:"last_processed_msg_id"`
	LastRunEndedAt     time.Time `json:"last_run_ended_at"`
}

// Job statuses.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
)

// Job is a queued unit of background work.
type Job struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	ConversationID string     `json:"conversation_id"`
	Payload        string     `json:"payload"` // JSON blob
	DedupeKey      string     `json:"dedupe_key,omitempty"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	RunAfter       time.Time  `json:"run_after"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PlanRecord is one append-only ActionPlan artifact row.
type PlanRecord struct {
	ID        int64     `json:"id"`
	TickID    string    `json:"tick_id"`
	Plan      string    `json:"plan"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// RefreshError is a per-item failure from the last refresh batch, kept for
// the debug endpoint.
type RefreshError struct {
	ConversationID string    `json:"conversation_id"`
	Error          string    `json:"error"`
	At             time.Time `json:"at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS obligations (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT 'me',
	kind TEXT NOT NULL,
	summary TEXT NOT NULL,
	task_goal TEXT NOT NULL,
	when_ts DATETIME,
	when_date TEXT DEFAULT '',
	has_explicit_time BOOLEAN NOT NULL DEFAULT 0,
	when_options TEXT DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'open',
	urgency TEXT NOT NULL DEFAULT 'low',
	importance INTEGER NOT NULL DEFAULT 1,
	confidence REAL NOT NULL DEFAULT 0,
	evidence_msg_id TEXT DEFAULT '',
	evidence_text TEXT DEFAULT '',
	evidence_inferred BOOLEAN NOT NULL DEFAULT 0,
	first_seen_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL,
	times_mentioned INTEGER NOT NULL DEFAULT 1,
	blocked BOOLEAN NOT NULL DEFAULT 0,
	depends_on_task_goal TEXT DEFAULT '',
	snoozed_until DATETIME,
	lane_override TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_obligations_conv ON obligations(conversation_id);
CREATE INDEX IF NOT EXISTS idx_obligations_status ON obligations(status);
CREATE INDEX IF NOT EXISTS idx_obligations_seen ON obligations(last_seen_at);

CREATE TABLE IF NOT EXISTS cursors (
	conversation_id TEXT PRIMARY KEY,
	last_processed_ts DATETIME NOT NULL,
	last_processed_msg_id TEXT DEFAULT '',
	last_run_ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	conversation_id TEXT DEFAULT '',
	payload TEXT DEFAULT '{}',
	dedupe_key TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	run_after DATETIME NOT NULL,
	locked_at DATETIME,
	last_error TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(run_after) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(type, conversation_id, dedupe_key) WHERE status IN ('queued','running');

CREATE TABLE IF NOT EXISTS action_plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tick_id TEXT UNIQUE NOT NULL,
	plan TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_action_plans_created ON action_plans(created_at);

CREATE TABLE IF NOT EXISTS orchestrator_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	state TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refresh_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	error TEXT NOT NULL,
	at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_metrics (
	conversation_id TEXT PRIMARY KEY,
	open_count INTEGER NOT NULL DEFAULT 0,
	done_count INTEGER NOT NULL DEFAULT 0,
	dated_count INTEGER NOT NULL DEFAULT 0,
	avg_importance REAL NOT NULL DEFAULT 0,
	computed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);
`
