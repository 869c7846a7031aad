// Command worker follows the chain and runs the periodic settlement jobs
// without serving HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/giftlock/internal/app"
	"github.com/congo-pay/giftlock/internal/config"
	"github.com/congo-pay/giftlock/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName+"-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	a, err := app.Build(cfg, backends, logger)
	if err != nil {
		logger.Error("build app", "error", err)
		os.Exit(1)
	}
	if err := a.PrimePool(ctx); err != nil {
		logger.Warn("prime wallet pool", "error", err)
	}

	runner, err := a.Jobs()
	if err != nil {
		logger.Error("register jobs", "error", err)
		os.Exit(1)
	}
	runner.Start()
	logger.Info("jobs started", "jobs", runner.Names())

	err = a.RunWatcher(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watcher exited", "error", err)
	}

	if err := runner.Shutdown(); err != nil {
		logger.Warn("stop jobs", "error", err)
	}
	logger.Info("worker exited cleanly")
}
