// Package cli implements the dispatcher's cobra command tree: serve, ledger
// export/import, and version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "yggdrasil",
	Short: "Yggdrasil - homelab task dispatcher",
	Long: `Yggdrasil dispatches queued tasks across a fleet of local LLM and
executor hosts, with priority/dependency ordering, per-host concurrency
limits, retry with backoff, and circuit breaking.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default: $YGGDRASIL_CONFIG or ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from cmd/dispatcher/main.go.
func Execute() error {
	return rootCmd.Execute()
}

func exitWithError(exitCode int, msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(exitCode)
}
