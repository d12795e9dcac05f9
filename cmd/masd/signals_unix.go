//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawinfra/evoclaw/internal/config"
)

func setupSignalHandlers(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, configPath string, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutdown signal received", "signal", sig)
				cancel()
				return

			case syscall.SIGHUP:
				logger.Info("reload signal received")
				reloadConfig(cfg, configPath, logger)
			}
		}
	}()
}
