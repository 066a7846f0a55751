package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/foundry/internal/cli"
	"github.com/seantiz/foundry/internal/config"
)

func main() {
	// Stopping a protocol signals the runner; the engine then aborts it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &cli.Runner{
		Config:   config.Load(),
		Registry: cli.Registry(),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	if err := r.Main(ctx, os.Args[1:]); err != nil {
		stop()
		os.Exit(cli.ExitCode(err))
	}
}
