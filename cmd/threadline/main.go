package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/threadline/threadline/cmd/threadline/commands"
	"github.com/threadline/threadline/logger"
)

var rootCmd = &cobra.Command{
	Use:   "threadline",
	Short: "Threadline - multi-tenant AI job platform",
	Long: `Threadline runs user-submitted AI jobs: one-off questions, recurring
scheduled tasks, and multi-agent research flows.

Available commands:
  serve   - Start the API server and background job engine
  config  - Show the effective configuration
  version - Print the build version

Examples:
  threadline serve                # Start with config from threadline.toml
  threadline serve --json-logs    # Structured log output
  threadline config`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
