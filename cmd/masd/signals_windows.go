//go:build windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawinfra/evoclaw/internal/config"
)

// setupSignalHandlers listens for shutdown signals only — Windows has
// no SIGHUP, so there is no signal-driven config reload there.
func setupSignalHandlers(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, configPath string, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutdown signal received", "signal", sig)
				cancel()
				return
			}
		}
	}()
}
