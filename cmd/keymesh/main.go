// Command keymesh runs every keymesh service in one node.
//
// The node serves the echo and convert queryables plus any configured Lua
// scripts, publishes simulated sensor readings, logs what it receives on the
// sensor pattern and polls its own services. With transport "local" this is a
// self-contained demo; with "nats" the same node joins a wider mesh.
//
// Usage:
//
//	keymesh -c keymesh.toml
//	KEYMESH_NODE_TRANSPORT=nats KEYMESH_NATS_URL=nats://10.0.0.5:4222 keymesh
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
		Name:    "keymesh",
		Summary: "All keymesh services in one node",
		Version: version,
		Commit:  commit,
		Date:    date,
	}, cli.AllServices))
}
