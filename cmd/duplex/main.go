// Command duplex plays pingpong between two peer sessions sharing a SQLite
// overlay.
package main

import (
	"os"

	"github.com/roach88/duplex/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
