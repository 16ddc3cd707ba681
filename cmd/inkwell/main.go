package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/doctrine-review/inkwell/cmd/commands"
	"github.com/doctrine-review/inkwell/internal/config"
)

func main() {
	if err := config.LoadDotenv(config.DotenvPath()); err != nil {
		fmt.Fprintf(os.Stderr, "inkwell: load .env: %v\n", err)
	}

	// Supervisors stop the service with SIGTERM, terminals with SIGINT;
	// both must trigger the same graceful drain.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "inkwell: %v\n", err)
		os.Exit(1)
	}
}
