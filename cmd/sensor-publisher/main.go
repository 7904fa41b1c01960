// Command sensor-publisher runs the simulated temperature sensor publisher.
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
		Name:    "sensor-publisher",
		Summary: "Simulated temperature sensor publisher",
		Version: version,
		Commit:  commit,
		Date:    date,
	}, cli.SensorPublisher))
}
