// Package jobs drains the durable job queue. Workers claim batches
// atomically, dispatch to registered handlers, and report success or failure
// back to the store; retries and backoff live entirely in the queue.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopline/loopline/internal/store"
)

// HandlerFunc processes one claimed job.
type HandlerFunc func(ctx context.Context, job store.Job) error

// Config bounds the worker pool.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 15 * time.Minute
	}
	return c
}

// Worker polls the queue and dispatches claimed jobs.
type Worker struct {
	store    *store.Store
	cfg      Config
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(st *store.Store, cfg Config) *Worker {
	return &Worker{store: st, cfg: cfg.withDefaults(), handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. Later registrations replace
// earlier ones.
func (w *Worker) Register(jobType string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) HandlerFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[jobType]
}

// Run polls until the context ends, fanning claims out over the configured
// worker count. Claiming is a single atomic statement, so concurrent pollers
// never share a job.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(w.cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := w.RunOnce(ctx, time.Now().UTC()); err != nil {
						slog.Error("job poll failed", "error", err)
					}
				}
			}
		}()
	}
	wg.Wait()
}

// RunOnce sweeps stale locks, claims one batch, and processes it. Returns
// how many jobs were claimed.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) (int, error) {
	if swept, err := w.store.SweepStaleLocks(w.cfg.LockTimeout, now); err != nil {
		slog.Warn("stale lock sweep failed", "error", err)
	} else if swept > 0 {
		slog.Info("stale jobs requeued", "count", swept)
	}

	claimed, err := w.store.ClaimJobs(w.cfg.BatchSize, now)
	if err != nil {
		return 0, err
	}
	for _, job := range claimed {
		w.process(ctx, job, now)
	}
	return len(claimed), nil
}

func (w *Worker) process(ctx context.Context, job store.Job, now time.Time) {
	h := w.handler(job.Type)
	if h == nil {
		// Unknown types complete without processing so a stray producer
		// cannot jam the queue.
		slog.Warn("no handler for job type", "type", job.Type, "job", job.ID)
		if err := w.store.CompleteJob(job.ID); err != nil {
			slog.Error("complete unhandled job", "job", job.ID, "error", err)
		}
		return
	}
	if err := h(ctx, job); err != nil {
		slog.Warn("job failed", "type", job.Type, "job", job.ID, "attempts", job.Attempts+1, "error", err)
		if ferr := w.store.FailJob(job.ID, err.Error(), now); ferr != nil {
			slog.Error("record job failure", "job", job.ID, "error", ferr)
		}
		return
	}
	if err := w.store.CompleteJob(job.ID); err != nil {
		slog.Error("complete job", "job", job.ID, "error", err)
	}
}
