// Package classify is the boundary to the text-classification service.
// Its output is untrusted: candidates are loosely typed, validated field by
// field by the sanitizer, and never used for identity directly.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopline/loopline/internal/source"
)

// Candidate is a raw obligation candidate as emitted by the classifier.
// Every field may be missing, wrong, or fabricated.
type Candidate struct {
	Summary       string  `json:"summary"`
	KindHint      string  `json:"kind"`
	IntentKey     string  `json:"intent_key"`
	LoopKey       string  `json:"loop_key"`
	Owner         string  `json:"owner"`
	When          string  `json:"when"`
	Urgency       string  `json:"urgency"`
	Importance    float64 `json:"importance"`
	Confidence    float64 `json:"confidence"`
	EvidenceMsgID string  `json:"evidence_message_id"`
	EvidenceText  string  `json:"evidence_text"`
	Blocked       bool    `json:"blocked"`
	DependsOn     string  `json:"depends_on"`
	Done          bool    `json:"done"`
}

// Classifier turns a conversation context into obligation candidates.
type Classifier interface {
	Extract(ctx context.Context, conversationID string, contextSlice, fresh []source.Message) ([]Candidate, error)
}

// HTTPClassifier calls a remote extraction endpoint.
type HTTPClassifier struct {
	url   string
	token string
	http  *http.Client
}

// NewHTTPClassifier creates a classifier client for the given endpoint URL.
func NewHTTPClassifier(url, token string) *HTTPClassifier {
	return &HTTPClassifier{url: url, token: token, http: &http.Client{Timeout: 60 * time.Second}}
}

// SetTimeout overrides the per-request timeout. Non-positive values are ignored.
func (c *HTTPClassifier) SetTimeout(d time.Duration) {
	if d > 0 {
		c.http.Timeout = d
	}
}

type extractRequest struct {
	ConversationID string           `json:"conversation_id"`
	Context        []source.Message `json:"context"`
	Messages       []source.Message `json:"messages"`
}

// Extract posts the batch and decodes candidates one element at a time:
// a malformed element is skipped with a warning, never fatal for the batch.
func (c *HTTPClassifier) Extract(ctx context.Context, conversationID string, contextSlice, fresh []source.Message) ([]Candidate, error) {
	body, err := json.Marshal(extractRequest{
		ConversationID: conversationID,
		Context:        contextSlice,
		Messages:       fresh,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier: status %d", resp.StatusCode)
	}

	var raw struct {
		Candidates []json.RawMessage `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("classifier: decode response: %w", err)
	}
	out := make([]Candidate, 0, len(raw.Candidates))
	for i, rc := range raw.Candidates {
		var cand Candidate
		if err := json.Unmarshal(rc, &cand); err != nil {
			slog.Warn("classifier candidate skipped", "conversation", conversationID, "index", i, "error", err)
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}
