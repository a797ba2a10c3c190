// Command nesspipe flattens Nessus scan exports into tables.
package main

import (
	"github.com/anstrom/nesspipe/cmd/cli"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
