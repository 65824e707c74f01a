package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gen740/lazypp/internal/cli"
)

// Set by the release build via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version, cli.Commit, cli.Date = version, commit, date

	// Interrupts cancel running steps; their process groups are killed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, cli.NewRootCommand())
	stop()
	os.Exit(code)
}
