// Command mesh-client runs the polling client for the echo and convert services.
package main

import (
	"os"

	"github.com/dshills/keymesh/internal/cli"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(cli.Main(cli.Program{
		Name:    "mesh-client",
		Summary: "Polling client for the echo and convert services",
		Version: version,
		Commit:  commit,
		Date:    date,
	}, cli.PollingClient))
}
