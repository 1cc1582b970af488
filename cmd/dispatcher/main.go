// Command dispatcher is the yggdrasil task dispatcher entry point.
package main

import (
	"fmt"
	"os"

	"github.com/homelab/yggdrasil/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
