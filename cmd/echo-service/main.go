// Command echo-service runs the echo queryable service.
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
		Name:    "echo-service",
		Summary: "Echo queryable service",
		Version: version,
		Commit:  commit,
		Date:    date,
	}, cli.EchoService))
}
