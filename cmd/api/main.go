// Packlane API - decision pack submission and retrieval
package main

import (
	"context"
	"os"

	"github.com/packlane/packlane/internal/api"
	"github.com/packlane/packlane/internal/app"
	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/health"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/submit"
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

	logger.Info("starting packlane api",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()
	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close(ctx)

	submitSvc := submit.New(deps.Runs, deps.Engine, deps.Queue, cfg.LeaseTTL, cfg.MinimumFee, logger)

	srv := api.New(cfg, deps.Runs, deps.Engine, deps.Tenants, deps.Objects, submitSvc, logger)
	registerHealthChecks(srv.Health(), deps)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func registerHealthChecks(reg *health.Registry, deps *app.Deps) {
	if deps.DB != nil {
		reg.Register("postgres", health.FromError("postgres", func(ctx context.Context) error {
			return deps.DB.PingContext(ctx)
		}))
	}
	if deps.Redis != nil {
		reg.Register("redis", health.FromError("redis", func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}))
	}
}
