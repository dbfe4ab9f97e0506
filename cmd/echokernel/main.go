// Package main is a reference kernel manager for the kernel bridge. The
// bridge launches it with the link coordinates in its environment; it
// connects back, reports ready and echoes every command it is sent.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/itsharex/SolidUI/pkg/echokernel"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(
		"service", "echokernel",
		"pid", os.Getpid(),
	)

	cfg, err := echokernel.FromEnv(os.Getenv)
	if err != nil {
		logger.Error("Missing link coordinates", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := echokernel.Run(ctx, cfg, logger); err != nil {
		logger.Error("Kernel stopped", "error", err)
		stop()
		os.Exit(1)
	}
}
