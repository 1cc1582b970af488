package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or migrate the task ledger",
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write every task as line-delimited JSON",
	Long:  "Writes one JSON line per task, sorted by ID, to stdout or the given file (spec.md §6).",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store, err := ledger.OpenDefault(cfg.DataDir)
		if err != nil {
			exitWithError(3, "failed to open ledger", err)
		}
		defer store.Close()

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				exitWithError(3, "failed to create output file", err)
			}
			defer f.Close()
			out = f
		}

		if err := store.Export(out); err != nil {
			exitWithError(3, "export failed", err)
		}
	},
}

var ledgerImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load tasks from a line-delimited JSON snapshot",
	Long:  "Overwrites any existing task sharing an imported ID (spec.md §6, R1).",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store, err := ledger.OpenDefault(cfg.DataDir)
		if err != nil {
			exitWithError(3, "failed to open ledger", err)
		}
		defer store.Close()

		f, err := os.Open(args[0])
		if err != nil {
			exitWithError(3, "failed to open input file", err)
		}
		defer f.Close()

		n, err := store.Import(f)
		if err != nil {
			exitWithError(3, "import failed", err)
		}
		fmt.Printf("imported %d tasks\n", n)
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerImportCmd)
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError(2, "invalid configuration", err)
	}
	return cfg
}
