package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/loopline/loopline/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  _                      _ _\n" +
		" | |    ___   ___  _ __ | (_)_ __   ___\n" +
		" | |   / _ \\ / _ \\| '_ \\| | | '_ \\ / _ \\\n" +
		" | |__| (_) | (_) | |_) | | | | | |  __/\n" +
		" |_____\\___/ \\___/| .__/|_|_|_| |_|\\___|\n" +
		"                  |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "loopline",
	Short: "Loopline - open-loop mining for your conversations",
	Long:  color.CyanString(logo) + "\nMines conversation history for open loops: todos, promises, dated events and unanswered questions.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(loopsCmd)
}
