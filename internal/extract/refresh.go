package extract

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopline/loopline/internal/store"
)

// minRefreshGap is how recently a conversation must have run for a
// non-forced refresh to skip it.
const minRefreshGap = 5 * time.Minute

// RefreshResult summarizes one refresh sweep.
type RefreshResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Refresh extracts across all conversations active in the window, fanning
// out over a bounded worker pool. Each conversation is handled by exactly
// one goroutine per sweep, so its cursor read-then-write stays serialized.
// Per-item failures are counted and stored for the debug endpoint, never
// returned: one broken conversation must not sink the sweep.
func (p *Pipeline) Refresh(ctx context.Context, hours int, force bool) (RefreshResult, error) {
	if hours <= 0 {
		hours = 24
	}
	window := time.Duration(hours) * time.Hour
	convs, err := p.source.ActiveConversations(ctx, window)
	if err != nil {
		return RefreshResult{}, err
	}

	now := time.Now().UTC()
	var (
		mu      sync.Mutex
		res     RefreshResult
		itemErr []store.RefreshError
	)

	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conv := range work {
				if !force && p.recentlyRefreshed(conv, now) {
					continue
				}
				kept, err := p.ProcessConversation(ctx, conv, now)
				mu.Lock()
				if err != nil {
					res.Failed++
					itemErr = append(itemErr, store.RefreshError{ConversationID: conv, Error: err.Error(), At: now})
					slog.Warn("refresh conversation failed", "conversation", conv, "error", err)
				} else {
					res.Processed++
					if kept > 0 {
						slog.Info("obligations extracted", "conversation", conv, "kept", kept)
					}
				}
				mu.Unlock()
			}
		}()
	}
	for _, conv := range convs {
		select {
		case work <- conv:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return res, ctx.Err()
		}
	}
	close(work)
	wg.Wait()

	if err := p.store.ReplaceRefreshErrors(itemErr); err != nil {
		slog.Warn("store refresh errors", "error", err)
	}
	return res, nil
}

func (p *Pipeline) recentlyRefreshed(conversationID string, now time.Time) bool {
	cur, err := p.store.GetCursor(conversationID)
	if err != nil || cur == nil {
		return false
	}
	return !cur.LastRunEndedAt.IsZero() && now.Sub(cur.LastRunEndedAt) < minRefreshGap
}
