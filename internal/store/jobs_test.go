package store

import (
	"sync"
	"testing"
	"time"
)

func TestEnqueueAndClaimOrder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	early, err := s.EnqueueJob("conversation_metrics", "c1", "", "", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.EnqueueJob("event_extraction", "c2", "", "", now.Add(time.Hour)); err != nil {
		t.Fatalf("enqueue future: %v", err)
	}
	late, err := s.EnqueueJob("conversation_metrics", "c3", "", "", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimJobs(10, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The future job is not due; claim order is run_after ascending.
	if len(claimed) != 2 || claimed[0].ID != early.ID || claimed[1].ID != late.ID {
		t.Fatalf("unexpected claim set: %+v", claimed)
	}
	for _, j := range claimed {
		if j.Status != JobRunning || j.LockedAt == nil {
			t.Fatalf("claimed job not locked: %+v", j)
		}
	}

	// Nothing left to claim.
	again, err := s.ClaimJobs(10, now)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed already-running jobs: %+v", again)
	}
}

func TestEnqueueDedupe(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	a, err := s.EnqueueJob("conversation_metrics", "c1", "", "daily", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	b, err := s.EnqueueJob("conversation_metrics", "c1", "", "daily", now)
	if err != nil {
		t.Fatalf("dedupe enqueue: %v", err)
	}
	if b.ID != a.ID {
		t.Fatalf("dedupe key ignored: %s vs %s", a.ID, b.ID)
	}

	// Different conversation is a different dedupe scope.
	c, err := s.EnqueueJob("conversation_metrics", "c2", "", "daily", now)
	if err != nil || c.ID == a.ID {
		t.Fatalf("dedupe scope too broad: %v %v", c, err)
	}

	// A done job does not block re-enqueue.
	if _, err := s.ClaimJobs(10, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteJob(a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	d, err := s.EnqueueJob("conversation_metrics", "c1", "", "daily", now)
	if err != nil || d.ID == a.ID {
		t.Fatalf("done job should not dedupe: %v %v", d, err)
	}
}

func TestFailBackoffLadder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	j, err := s.EnqueueJob("event_extraction", "c1", "", "", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 2 * time.Hour}
	for i, delay := range want {
		claimed, err := s.ClaimJobs(1, now.Add(48*time.Hour))
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: claim failed: %v %v", i, claimed, err)
		}
		if err := s.FailJob(j.ID, "boom", now); err != nil {
			t.Fatalf("fail: %v", err)
		}
		got, _ := s.GetJob(j.ID)
		if got.Status != JobQueued || got.Attempts != i+1 {
			t.Fatalf("attempt %d: %+v", i, got)
		}
		if !got.RunAfter.Equal(now.Add(delay)) {
			t.Fatalf("attempt %d: run_after %v, want +%v", i, got.RunAfter, delay)
		}
		if got.LastError != "boom" {
			t.Fatalf("error not recorded: %q", got.LastError)
		}
	}
}

func TestQueueDepthBound(t *testing.T) {
	s := newTestStore(t)
	s.MaxQueueDepth = 3
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if _, err := s.EnqueueJob("event_extraction", "c1", "", "", now); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := s.EnqueueJob("event_extraction", "c1", "", "", now); err == nil {
		t.Fatal("expected queue-full rejection")
	}
}

func TestSweepStaleLocks(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	j, _ := s.EnqueueJob("event_extraction", "c1", "", "", now)
	if _, err := s.ClaimJobs(1, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Too fresh to reclaim.
	n, err := s.SweepStaleLocks(15*time.Minute, now.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("fresh lock swept: %d %v", n, err)
	}
	// Past the timeout the job returns to the queue.
	n, err = s.SweepStaleLocks(15*time.Minute, now.Add(20*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("stale lock not swept: %d %v", n, err)
	}
	got, _ := s.GetJob(j.ID)
	if got.Status != JobQueued || got.Attempts != 1 || got.LockedAt != nil {
		t.Fatalf("swept job wrong: %+v", got)
	}
}

func TestConcurrentClaimExclusive(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	const total = 40
	for i := 0; i < total; i++ {
		if _, err := s.EnqueueJob("event_extraction", "c1", "", "", now.Add(-time.Minute)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	const workers = 8
	var wg sync.WaitGroup
	claims := make([][]Job, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				got, err := s.ClaimJobs(3, now)
				if err != nil {
					t.Errorf("worker %d: claim: %v", w, err)
					return
				}
				if len(got) == 0 {
					return
				}
				claims[w] = append(claims[w], got...)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]int)
	n := 0
	for w := range claims {
		for _, j := range claims[w] {
			seen[j.ID]++
			n++
		}
	}
	if n != total {
		t.Fatalf("claimed %d of %d jobs", n, total)
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}
