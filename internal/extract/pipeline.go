// Package extract runs the incremental extraction pipeline: cursor slice,
// classifier, sanitizer, merge upsert, cursor advance.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopline/loopline/internal/classify"
	"github.com/loopline/loopline/internal/sanitize"
	"github.com/loopline/loopline/internal/source"
	"github.com/loopline/loopline/internal/store"
)

// Options bounds a pipeline run.
type Options struct {
	LookbackHours int  // first-contact window when no cursor exists
	ContextSlice  int  // messages at-or-before the watermark handed to the classifier
	MaxBatch      int  // per-fetch message cap
	Cap           int  // sanitizer capacity bound
	Relaxed       bool // sanitizer evidence mode
	Workers       int  // refresh fan-out width
}

func (o Options) withDefaults() Options {
	if o.LookbackHours <= 0 {
		o.LookbackHours = 48
	}
	if o.ContextSlice <= 0 {
		o.ContextSlice = 12
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 500
	}
	if o.Cap <= 0 {
		o.Cap = sanitize.DefaultCap
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

// minFetchBatch is the floor the adaptive fetch limit shrinks to.
const minFetchBatch = 25

// Pipeline wires the message source, the classifier, and the store into the
// per-conversation extraction sequence.
type Pipeline struct {
	store      *store.Store
	source     source.Client
	classifier classify.Classifier
	opts       Options

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	limits map[string]int // per-conversation fetch limit, shrunk after truncated fetches
}

func New(st *store.Store, src source.Client, cl classify.Classifier, opts Options) *Pipeline {
	return &Pipeline{
		store:      st,
		source:     src,
		classifier: cl,
		opts:       opts.withDefaults(),
		locks:      make(map[string]*sync.Mutex),
		limits:     make(map[string]int),
	}
}

// convLock serializes runs per conversation. The cursor read-then-write
// inside ProcessConversation is only safe single-file; overlapping sweeps
// (interval loop plus an API refresh) share these locks.
func (p *Pipeline) convLock(conversationID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[conversationID]
	if l == nil {
		l = &sync.Mutex{}
		p.locks[conversationID] = l
	}
	return l
}

func (p *Pipeline) fetchLimit(conversationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limits[conversationID]; ok {
		return l
	}
	return p.opts.MaxBatch
}

// noteFetch halves the conversation's fetch limit after a truncated result
// and restores the full batch once a fetch comes back complete.
func (p *Pipeline) noteFetch(conversationID string, limit int, truncated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !truncated {
		delete(p.limits, conversationID)
		return
	}
	next := limit / 2
	if next < minFetchBatch {
		next = minFetchBatch
	}
	p.limits[conversationID] = next
}

// ProcessConversation runs one extraction step for a single conversation and
// returns how many obligations were kept. The cursor only advances over
// messages that were actually classified, so a truncated fetch catches up
// across successive runs.
func (p *Pipeline) ProcessConversation(ctx context.Context, conversationID string, now time.Time) (int, error) {
	lock := p.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := p.store.GetCursor(conversationID)
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", conversationID, err)
	}

	lookback := time.Duration(p.opts.LookbackHours) * time.Hour
	watermark := now.Add(-lookback)
	if cur != nil {
		watermark = cur.LastProcessedTS
	}

	// One fetch covers both the context slice and the fresh tail; the
	// watermark splits them.
	fetchFrom := watermark.Add(-lookback)
	limit := p.fetchLimit(conversationID)
	res, err := p.source.FetchSince(ctx, conversationID, fetchFrom, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", conversationID, err)
	}
	p.noteFetch(conversationID, limit, res.Truncated)
	if res.Truncated {
		slog.Warn("message fetch truncated, shrinking batch",
			"conversation", conversationID, "total", res.Total, "got", len(res.Messages), "next_limit", p.fetchLimit(conversationID))
	}

	contextSlice, fresh := splitAtWatermark(res.Messages, watermark, lastMsgID(cur))
	if len(contextSlice) > p.opts.ContextSlice {
		contextSlice = contextSlice[len(contextSlice)-p.opts.ContextSlice:]
	}
	if len(fresh) == 0 {
		if err := p.store.TouchCursorRun(conversationID, now); err != nil {
			slog.Warn("touch cursor", "conversation", conversationID, "error", err)
		}
		return 0, nil
	}

	candidates, err := p.classifier.Extract(ctx, conversationID, contextSlice, fresh)
	if err != nil {
		return 0, fmt.Errorf("classify %s: %w", conversationID, err)
	}

	batch := make([]source.Message, 0, len(contextSlice)+len(fresh))
	batch = append(batch, contextSlice...)
	batch = append(batch, fresh...)
	result := sanitize.Run(conversationID, candidates, batch, sanitize.Options{
		Cap:     p.opts.Cap,
		Relaxed: p.opts.Relaxed,
		Now:     now,
	})
	for _, d := range result.Drops {
		slog.Debug("candidate dropped", "conversation", conversationID, "reason", d.Reason, "summary", d.Original.Summary)
	}

	kept := 0
	dated := false
	for _, ob := range result.Kept {
		merged, err := p.store.UpsertObligation(ob)
		if err != nil {
			return kept, fmt.Errorf("upsert %s: %w", ob.ID, err)
		}
		if merged.HasExplicitTime {
			dated = true
		}
		kept++
	}

	last := fresh[len(fresh)-1]
	if err := p.store.SetCursor(store.Cursor{
		ConversationID:     conversationID,
		LastProcessedTS:    last.Timestamp,
		LastProcessedMsgID: last.ID,
		LastRunEndedAt:     now,
	}); err != nil {
		return kept, fmt.Errorf("advance cursor %s: %w", conversationID, err)
	}

	p.enqueueFollowups(conversationID, dated, now)
	return kept, nil
}

// enqueueFollowups schedules background rollups for a processed conversation.
// Best-effort: a full queue only costs a stale metrics snapshot.
func (p *Pipeline) enqueueFollowups(conversationID string, dated bool, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if _, err := p.store.EnqueueJob("conversation_metrics", conversationID, "", day, now); err != nil {
		slog.Warn("enqueue conversation_metrics", "conversation", conversationID, "error", err)
	}
	if dated {
		if _, err := p.store.EnqueueJob("event_extraction", conversationID, "", day, now); err != nil {
			slog.Warn("enqueue event_extraction", "conversation", conversationID, "error", err)
		}
	}
}

func lastMsgID(cur *store.Cursor) string {
	if cur == nil {
		return ""
	}
	return cur.LastProcessedMsgID
}

// splitAtWatermark partitions messages into at-or-before and strictly-after
// sets. A message carrying the watermark timestamp counts as fresh unless it
// is the cursor's own last processed message.
func splitAtWatermark(msgs []source.Message, watermark time.Time, lastID string) (before, after []source.Message) {
	seenLast := lastID == ""
	for _, m := range msgs {
		switch {
		case m.ID == lastID && lastID != "":
			seenLast = true
			before = append(before, m)
		case m.Timestamp.Before(watermark):
			before = append(before, m)
		case m.Timestamp.Equal(watermark) && !seenLast:
			before = append(before, m)
		default:
			after = append(after, m)
		}
	}
	return before, after
}
