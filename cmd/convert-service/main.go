// Command convert-service runs the integer to binary convert service.
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
		Name:    "convert-service",
		Summary: "Integer to binary convert service",
		Version: version,
		Commit:  commit,
		Date:    date,
	}, cli.ConvertService))
}
