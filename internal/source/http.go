package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient implements Client against the provider's REST bridge.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// transient retry policy for provider calls: a couple of short, fixed
// retries at the call site; anything still failing aborts the enclosing run.
const (
	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// NewHTTPClient creates a provider client. token may be empty.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetTimeout overrides the per-request timeout. Non-positive values are ignored.
func (c *HTTPClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.http.Timeout = d
	}
}

func (c *HTTPClient) FetchSince(ctx context.Context, conversationID string, since time.Time, limit int) (*FetchResult, error) {
	q := url.Values{}
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))

	var out FetchResult
	if err := c.getJSON(ctx, "/messages?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetch since: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) FetchStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) RequestHistory(ctx context.Context, conversationID string, depth int) error {
	body, _ := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"depth":           depth,
	})
	if err := c.do(ctx, http.MethodPost, "/history/request", body, nil); err != nil {
		return fmt.Errorf("request history: %w", err)
	}
	return nil
}

func (c *HTTPClient) ActiveConversations(ctx context.Context, window time.Duration) ([]string, error) {
	q := url.Values{}
	q.Set("hours", strconv.Itoa(int(window.Hours())))
	var out struct {
		Conversations []string `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/conversations/active?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("active conversations: %w", err)
	}
	return out.Conversations, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do issues a request with the fixed transient retry policy. Retries cover
// connection errors and 5xx; 4xx fails immediately.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			slog.Debug("source retry", "path", path, "attempt", attempt)
		}
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var se *statusError
		if errors.As(err, &se) && se.code < 500 {
			return err
		}
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, path: path}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusError struct {
	code int
	path string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("source %s: status %d", e.path, e.code)
}
