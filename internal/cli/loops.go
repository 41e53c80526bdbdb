package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loopline/loopline/internal/classify"
	"github.com/loopline/loopline/internal/config"
	"github.com/loopline/loopline/internal/extract"
	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/source"
	"github.com/loopline/loopline/internal/store"
)

var (
	refreshHours int
	refreshForce bool
	loopsLane    string
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one extraction sweep over recently active conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

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

		hours := refreshHours
		if hours <= 0 {
			hours = cfg.Refresh.DefaultHours
		}
		res, err := pipeline.Refresh(context.Background(), hours, refreshForce)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		fmt.Printf("Processed: %d conversations", res.Processed)
		if res.Failed > 0 {
			fmt.Printf("  %s", color.RedString("Failed: %d", res.Failed))
		}
		fmt.Println()
		return nil
	},
}

var loopsCmd = &cobra.Command{
	Use:   "loops",
	Short: "List active open loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if loopsLane != "" {
			switch loopsLane {
			case loops.LaneNow, loops.LaneLater, loops.LaneBacklog:
			default:
				return fmt.Errorf("unknown lane %q", loopsLane)
			}
		}

		all, err := st.ListObligations("")
		if err != nil {
			return fmt.Errorf("list obligations: %w", err)
		}
		now := time.Now().UTC()
		surfaced := loops.Consolidate(all, now)

		printHeader("Open Loops")
		shown := 0
		for _, s := range surfaced {
			if s.Status != loops.StatusOpen {
				continue
			}
			if loopsLane != "" && s.Lane != loopsLane {
				continue
			}
			printLoop(s)
			shown++
		}
		if shown == 0 {
			fmt.Println("No open loops.")
		}
		return nil
	},
}

func printLoop(s loops.SurfacedLoop) {
	lane := s.Lane
	switch lane {
	case loops.LaneNow:
		lane = color.RedString("%-7s", lane)
	case loops.LaneLater:
		lane = color.YellowString("%-7s", lane)
	default:
		lane = fmt.Sprintf("%-7s", lane)
	}
	when := ""
	if s.When != nil {
		when = "  " + s.When.Local().Format("Mon Jan 2 15:04")
	} else if s.WhenDate != "" {
		when = "  " + s.WhenDate
	}
	fmt.Printf("%s [%s] %s%s\n", lane, s.SurfaceType, s.Summary, when)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, "loopline.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.Jobs.MaxDepth > 0 {
		st.MaxQueueDepth = cfg.Jobs.MaxDepth
	}
	return st, nil
}

func init() {
	refreshCmd.Flags().IntVar(&refreshHours, "hours", 0, "activity window in hours (default from config)")
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "reprocess conversations refreshed recently")
	loopsCmd.Flags().StringVar(&loopsLane, "lane", "", "filter by lane (now, later, backlog)")
}
