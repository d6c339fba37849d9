// Package main is the entry point for the mfgtest CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/mfgtest/internal/cli"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
