package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopline/loopline/internal/api"
	"github.com/loopline/loopline/internal/audit"
	"github.com/loopline/loopline/internal/classify"
	"github.com/loopline/loopline/internal/config"
	"github.com/loopline/loopline/internal/extract"
	"github.com/loopline/loopline/internal/jobs"
	"github.com/loopline/loopline/internal/notify"
	"github.com/loopline/loopline/internal/orchestrator"
	"github.com/loopline/loopline/internal/source"
	"github.com/loopline/loopline/internal/store"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the loopline daemon (HTTP API, refresh loop, orchestrator, job workers)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, "loopline.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if cfg.Jobs.MaxDepth > 0 {
		st.MaxQueueDepth = cfg.Jobs.MaxDepth
	}

	src := source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.AuthToken)
	src.SetTimeout(cfg.Source.Timeout)
	cl := classify.NewHTTPClassifier(cfg.Classifier.BaseURL, cfg.Classifier.AuthToken)
	cl.SetTimeout(cfg.Classifier.Timeout)

	pipeline := extract.New(st, src, cl, extract.Options{
		LookbackHours: cfg.Source.LookbackHours,
		ContextSlice:  cfg.Source.ContextSlice,
		MaxBatch:      cfg.Source.MaxBatch,
		Cap:           cfg.Classifier.Cap,
		Relaxed:       cfg.Classifier.Relaxed,
		Workers:       cfg.Refresh.Workers,
	})

	loc, err := time.LoadLocation(cfg.Orchestrator.Timezone)
	if err != nil {
		slog.Warn("invalid timezone, falling back to UTC", "timezone", cfg.Orchestrator.Timezone, "error", err)
		loc = time.UTC
	}
	orch := orchestrator.New(st, src, orchestrator.Config{
		MaxActionsPerTick: cfg.Orchestrator.MaxActionsPerTick,
		Cooldown:          time.Duration(cfg.Orchestrator.CooldownHours) * time.Hour,
		BackfillThreshold: cfg.Orchestrator.BackfillThreshold,
		BackfillFallback:  cfg.Orchestrator.BackfillFallback,
		HotWindow:         time.Duration(cfg.Orchestrator.HotWindowHours) * time.Hour,
		DigestHour:        cfg.Orchestrator.DigestHour,
		Location:          loc,
	})
	if cfg.Slack.Enabled {
		orch.SetNotifier(notify.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel))
		slog.Info("slack digest enabled", "channel", cfg.Slack.Channel)
	}
	var mirror *audit.KafkaMirror
	if cfg.Kafka.Enabled {
		mirror = audit.NewKafkaMirror(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		orch.SetAuditor(mirror)
		slog.Info("kafka plan mirror enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	worker := jobs.NewWorker(st, jobs.Config{
		Workers:      cfg.Jobs.Workers,
		BatchSize:    cfg.Jobs.BatchSize,
		PollInterval: cfg.Jobs.PollInterval,
		LockTimeout:  cfg.Jobs.LockTimeout,
	})
	jobs.RegisterDefaultHandlers(worker, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	if cfg.Orchestrator.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.Run(ctx, cfg.Orchestrator.TickInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRefreshLoop(ctx, pipeline, cfg.Refresh)
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler: api.NewServer(st, pipeline, orch, cfg.Gateway.AuthToken).Handler(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	printHeader("Loopline Gateway")
	fmt.Printf("Listening on http://%s\n", srv.Addr)
	slog.Info("gateway starting", "addr", srv.Addr, "version", version)

	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		wg.Wait()
		if mirror != nil {
			mirror.Close()
		}
		return fmt.Errorf("gateway: %w", err)
	}
	wg.Wait()
	if mirror != nil {
		mirror.Close()
	}
	slog.Info("gateway stopped")
	return nil
}

// runRefreshLoop sweeps active conversations on a fixed interval. The first
// sweep runs immediately so a restart does not wait a full interval.
func runRefreshLoop(ctx context.Context, p *extract.Pipeline, cfg config.RefreshConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := p.Refresh(ctx, cfg.DefaultHours, false)
		if err != nil {
			slog.Error("refresh sweep failed", "error", err)
		} else {
			slog.Info("refresh sweep complete", "processed", res.Processed, "failed", res.Failed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
