package extract

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loopline/loopline/internal/classify"
	"github.com/loopline/loopline/internal/source"
	"github.com/loopline/loopline/internal/store"
)

type fakeSource struct {
	mu       sync.Mutex
	msgs     map[string][]source.Message
	active   []string
	errFor   map[string]error
	limits   []int
	truncate int // number of initial fetches reported as truncated
}

func (f *fakeSource) FetchSince(_ context.Context, conv string, since time.Time, limit int) (*source.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if err := f.errFor[conv]; err != nil {
		return nil, err
	}
	var out []source.Message
	for _, m := range f.msgs[conv] {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	truncated := false
	if f.truncate > 0 {
		f.truncate--
		truncated = true
	}
	return &source.FetchResult{Messages: out, Total: len(out), Truncated: truncated}, nil
}

func (f *fakeSource) FetchStatus(context.Context) (*source.Status, error) {
	return &source.Status{Connected: true}, nil
}

func (f *fakeSource) RequestHistory(context.Context, string, int) error { return nil }

func (f *fakeSource) ActiveConversations(context.Context, time.Duration) ([]string, error) {
	return f.active, nil
}

type fakeClassifier struct {
	mu          sync.Mutex
	calls       int
	lastContext []source.Message
	lastFresh   []source.Message
	out         []classify.Candidate
	err         error
}

func (f *fakeClassifier) Extract(_ context.Context, _ string, contextSlice, fresh []source.Message) ([]classify.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastContext = contextSlice
	f.lastFresh = fresh
	return f.out, f.err
}

// blockingClassifier stalls its first Extract call until released.
type blockingClassifier struct {
	inner   *fakeClassifier
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingClassifier) Extract(ctx context.Context, conv string, contextSlice, fresh []source.Message) ([]classify.Candidate, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.inner.Extract(ctx, conv, contextSlice, fresh)
}

func newTestPipeline(t *testing.T, src *fakeSource, cl classify.Classifier, opts Options) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loopline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, src, cl, opts), st
}

func invoiceFixture(base time.Time) (*fakeSource, *fakeClassifier) {
	src := &fakeSource{
		msgs: map[string][]source.Message{
			"conv": {
				{ID: "m1", ConversationID: "conv", SenderID: "ana", Text: "can you send the invoice to acme tomorrow?", Timestamp: base.Add(-2 * time.Hour)},
				{ID: "m2", ConversationID: "conv", FromMe: true, Text: "sure, will do", Timestamp: base.Add(-time.Hour)},
			},
		},
		active: []string{"conv"},
	}
	cl := &fakeClassifier{
		out: []classify.Candidate{{
			Summary:       "Send the invoice to Acme",
			KindHint:      "todo",
			EvidenceMsgID: "m1",
			EvidenceText:  "send the invoice to acme",
			Confidence:    0.9,
		}},
	}
	return src, cl
}

func TestProcessConversationPersistsAndAdvances(t *testing.T) {
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	src, cl := invoiceFixture(base)
	p, st := newTestPipeline(t, src, cl, Options{})

	kept, err := p.ProcessConversation(context.Background(), "conv", base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if kept != 1 {
		t.Fatalf("kept = %d, want 1", kept)
	}

	obs, err := st.ListObligations("conv")
	if err != nil || len(obs) != 1 {
		t.Fatalf("obligations: %v %v", obs, err)
	}
	if obs[0].EvidenceMsgID != "m1" || obs[0].Kind != "todo" {
		t.Fatalf("unexpected obligation: %+v", obs[0])
	}

	cur, err := st.GetCursor("conv")
	if err != nil || cur == nil {
		t.Fatalf("cursor: %v %v", cur, err)
	}
	if cur.LastProcessedMsgID != "m2" || !cur.LastProcessedTS.Equal(base.Add(-time.Hour)) {
		t.Fatalf("cursor not advanced to last message: %+v", cur)
	}

	// Processing schedules the metrics rollup.
	n, err := st.CountJobs(store.JobQueued)
	if err != nil || n == 0 {
		t.Fatalf("no follow-up job queued: %d %v", n, err)
	}
}

func TestSecondRunSeesNoFreshMessages(t *testing.T) {
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	src, cl := invoiceFixture(base)
	p, st := newTestPipeline(t, src, cl, Options{})
	ctx := context.Background()

	if _, err := p.ProcessConversation(ctx, "conv", base); err != nil {
		t.Fatalf("first run: %v", err)
	}
	kept, err := p.ProcessConversation(ctx, "conv", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if kept != 0 || cl.calls != 1 {
		t.Fatalf("already-processed messages reclassified: kept=%d calls=%d", kept, cl.calls)
	}

	obs, _ := st.ListObligations("conv")
	if len(obs) != 1 || obs[0].TimesMentioned != 1 {
		t.Fatalf("re-run changed obligations: %+v", obs)
	}
}

func TestContextSliceBounded(t *testing.T) {
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	var msgs []source.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, source.Message{
			ID:        "old" + string(rune('1'+i)),
			Text:      "context message about the project plan",
			Timestamp: base.Add(time.Duration(i-6) * time.Hour),
		})
	}
	msgs = append(msgs, source.Message{ID: "new1", Text: "please review the project plan draft today", Timestamp: base.Add(-time.Minute)})
	src := &fakeSource{msgs: map[string][]source.Message{"conv": msgs}}
	cl := &fakeClassifier{}
	p, st := newTestPipeline(t, src, cl, Options{ContextSlice: 2})

	if err := st.SetCursor(store.Cursor{
		ConversationID:     "conv",
		LastProcessedTS:    base.Add(-2 * time.Hour),
		LastProcessedMsgID: "old5",
	}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if _, err := p.ProcessConversation(context.Background(), "conv", base); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(cl.lastContext) != 2 {
		t.Fatalf("context slice = %d messages, want 2", len(cl.lastContext))
	}
	if len(cl.lastFresh) != 1 || cl.lastFresh[0].ID != "new1" {
		t.Fatalf("fresh slice wrong: %+v", cl.lastFresh)
	}
}

func TestOverlappingRunsKeepCursorMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{msgs: map[string][]source.Message{
		"conv": {{ID: "m1", ConversationID: "conv", SenderID: "ana", Text: "please send the signed contract back", Timestamp: base.Add(-2 * time.Hour)}},
	}}
	cl := &blockingClassifier{inner: &fakeClassifier{}, started: make(chan struct{}), release: make(chan struct{})}
	p, st := newTestPipeline(t, src, cl, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.ProcessConversation(ctx, "conv", base); err != nil {
			t.Errorf("first run: %v", err)
		}
	}()
	<-cl.started

	// A newer message lands while the first run is still classifying.
	src.mu.Lock()
	src.msgs["conv"] = append(src.msgs["conv"], source.Message{ID: "m2", ConversationID: "conv", FromMe: true, Text: "sending it now", Timestamp: base.Add(-time.Minute)})
	src.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.ProcessConversation(ctx, "conv", base.Add(time.Second)); err != nil {
			t.Errorf("second run: %v", err)
		}
	}()

	close(cl.release)
	wg.Wait()

	cur, err := st.GetCursor("conv")
	if err != nil || cur == nil {
		t.Fatalf("cursor: %v %v", cur, err)
	}
	if cur.LastProcessedMsgID != "m2" || !cur.LastProcessedTS.Equal(base.Add(-time.Minute)) {
		t.Fatalf("cursor regressed under overlapping runs: %+v", cur)
	}
}

func TestTruncatedFetchShrinksBatch(t *testing.T) {
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	src, cl := invoiceFixture(base)
	src.truncate = 2
	p, _ := newTestPipeline(t, src, cl, Options{MaxBatch: 200})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := p.ProcessConversation(ctx, "conv", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	// Two truncated fetches halve the limit twice; the first complete fetch
	// restores the full batch.
	want := []int{200, 100, 50, 200}
	if len(src.limits) != len(want) {
		t.Fatalf("fetch count = %d, want %d", len(src.limits), len(want))
	}
	for i, l := range src.limits {
		if l != want[i] {
			t.Fatalf("fetch %d limit = %d, want %d", i, l, want[i])
		}
	}
}

func TestRefreshCountsPartialFailures(t *testing.T) {
	base := time.Now().UTC()
	src, cl := invoiceFixture(base)
	src.msgs["broken"] = nil
	src.active = []string{"conv", "broken"}
	src.errFor = map[string]error{"broken": errors.New("provider down")}
	p, st := newTestPipeline(t, src, cl, Options{Workers: 2})

	res, err := p.Refresh(context.Background(), 24, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 {
		t.Fatalf("refresh counts = %+v", res)
	}
	errs, err := st.ListRefreshErrors()
	if err != nil || len(errs) != 1 || errs[0].ConversationID != "broken" {
		t.Fatalf("refresh errors: %+v %v", errs, err)
	}
}

func TestRefreshSkipsRecentlyRefreshed(t *testing.T) {
	base := time.Now().UTC()
	src, cl := invoiceFixture(base)
	p, st := newTestPipeline(t, src, cl, Options{})

	if err := st.SetCursor(store.Cursor{
		ConversationID:     "conv",
		LastProcessedTS:    base.Add(-time.Hour),
		LastProcessedMsgID: "m2",
		LastRunEndedAt:     base,
	}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	res, err := p.Refresh(context.Background(), 24, false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 || cl.calls != 0 {
		t.Fatalf("fresh cursor not skipped: %+v calls=%d", res, cl.calls)
	}

	res, err = p.Refresh(context.Background(), 24, true)
	if err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("force did not override skip: %+v", res)
	}
}
