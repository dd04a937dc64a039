package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stankur/pipeline-processor/internal/app"
	"github.com/stankur/pipeline-processor/internal/config"
	"github.com/stankur/pipeline-processor/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)

	build := func(ctx context.Context) (*app.Application, error) {
		return app.New(ctx, cfg, logger)
	}
	if err := run(ctx, build, os.Args[1:], os.Stdout); err != nil {
		logger.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
