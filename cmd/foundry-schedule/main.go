package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/foundry/internal/cli"
	"github.com/seantiz/foundry/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &cli.Scheduler{
		Config:   config.Load(),
		Registry: cli.Registry(),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	if err := s.Main(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "foundry-schedule: %v\n", err)
		stop()
		os.Exit(cli.ExitCode(err))
	}
}
