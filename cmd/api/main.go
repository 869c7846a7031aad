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
	"github.com/congo-pay/giftlock/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx, stop := context.WithCancel(context.Background())
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

	// With RUN_JOBS the API also follows the chain and runs the periodic
	// jobs; otherwise cmd/worker owns them.
	if cfg.RunJobs {
		runner, err := a.Jobs()
		if err != nil {
			logger.Error("register jobs", "error", err)
			os.Exit(1)
		}
		runner.Start()
		defer func() {
			if err := runner.Shutdown(); err != nil {
				logger.Warn("stop jobs", "error", err)
			}
		}()

		go func() {
			if err := a.RunWatcher(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher exited", "error", err)
			}
		}()
	}

	srv := server.New(a, logger)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
