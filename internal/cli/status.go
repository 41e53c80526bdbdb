package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loopline/loopline/internal/config"
	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/orchestrator"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Loopline Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Loopline Status")
		fmt.Printf("Version: %s\n", version)

		// Check config
		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println("Store:   ? Unable to load config")
			return
		}
		dbPath := filepath.Join(cfg.Paths.DataDir, "loopline.db")
		if _, err := os.Stat(dbPath); err != nil {
			fmt.Println("Store:   ✗ Not found (run 'loopline refresh' first)")
			return
		}
		fmt.Println("Store:   ✓ Found (" + dbPath + ")")

		st, err := openStore(cfg)
		if err != nil {
			fmt.Printf("Store:   ✗ %v\n", err)
			return
		}
		defer st.Close()

		all, err := st.ListObligations("")
		if err == nil {
			open, done := 0, 0
			for _, o := range all {
				switch o.Status {
				case loops.StatusOpen:
					open++
				case loops.StatusDone:
					done++
				}
			}
			fmt.Printf("Loops:   %d open, %d done, %d total\n", open, done, len(all))
		}
		if queued, err := st.CountJobs("queued"); err == nil {
			running, _ := st.CountJobs("running")
			fmt.Printf("Jobs:    %d queued, %d running\n", queued, running)
		}

		raw, err := st.LoadOrchestratorState()
		if err != nil || raw == "" {
			fmt.Println("Orchestrator: no ticks recorded yet")
			return
		}
		var state orchestrator.State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			fmt.Println("Orchestrator: state unreadable")
			return
		}
		fmt.Printf("Orchestrator: conn=%s backfill_done=%v\n", state.Conn, state.BackfillDone)
		if state.LastDigestDate != "" {
			fmt.Printf("Last digest:  %s\n", state.LastDigestDate)
		}
		if n := len(state.Errors); n > 0 {
			last := state.Errors[n-1]
			fmt.Printf("Last error:   %s (%s)\n", last.Error, last.At.Local().Format("Jan 2 15:04"))
		}
	},
}
