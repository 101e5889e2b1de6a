// Packlane reaper - recovers runs abandoned mid-lifecycle
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/packlane/packlane/internal/app"
	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/reconciler"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting packlane reaper",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"sweep_interval", cfg.SweepInterval,
		"stuck_threshold", cfg.StuckThreshold,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close(context.Background())

	svc := reconciler.New(deps.Runs, deps.Engine, deps.Objects,
		cfg.StuckThreshold, cfg.ReservationTTL, logger)
	timer := reconciler.NewTimer(svc, cfg.SweepInterval, logger)
	timer.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	timer.Stop()
	logger.Info("reaper stopped")
}
