// Command sensor-subscriber runs the sensor sample monitor.
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
		Name:    "sensor-subscriber",
		Summary: "Sensor sample monitor",
		Version: version,
		Commit:  commit,
		Date:    date,
	}, cli.SensorSubscriber))
}
