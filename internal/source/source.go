// Package source talks to the remote message-history provider. The provider
// owns raw conversation history; this process only ever reads slices of it
// and asks for deeper backfill.
package source

import (
	"context"
	"time"
)

// Message is a single conversation message as returned by the provider.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	FromMe         bool      `json:"from_me"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// FetchResult is a slice of history. Truncated=true means the provider
// clipped the response; callers shrink their batch size, it is not an error.
type FetchResult struct {
	Messages  []Message `json:"messages"`
	Truncated bool      `json:"truncated"`
	Total     int       `json:"total"`
}

// BackfillStatus describes historical-import progress upstream.
type BackfillStatus struct {
	Coverage       float64 `json:"coverage"` // 0..1 fraction of history present
	Conversations  int     `json:"conversations"`
	Backfilled     int     `json:"backfilled"`
	InProgressConv string  `json:"in_progress_conversation,omitempty"`
}

// Status is the provider readiness snapshot used by the orchestrator probe.
type Status struct {
	Connected bool           `json:"connected"`
	NeedsAuth bool           `json:"needs_auth"`
	Backfill  BackfillStatus `json:"backfill_status"`
}

// Client is the provider surface the core depends on.
type Client interface {
	// FetchSince returns messages for a conversation newer than since,
	// oldest first, up to limit.
	FetchSince(ctx context.Context, conversationID string, since time.Time, limit int) (*FetchResult, error)
	// FetchStatus probes provider readiness.
	FetchStatus(ctx context.Context) (*Status, error)
	// RequestHistory asks the provider to backfill deeper history for a
	// conversation. This is the orchestrator's remedial action.
	RequestHistory(ctx context.Context, conversationID string, depth int) error
	// ActiveConversations lists conversation ids with activity inside the
	// window.
	ActiveConversations(ctx context.Context, window time.Duration) ([]string, error)
}
