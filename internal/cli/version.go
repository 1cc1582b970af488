package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X .../cli.version=...". It
// defaults to "dev" for local builds.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dispatcher version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("yggdrasil %s\n", version)
	},
}
