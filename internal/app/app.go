// Package app wires configuration into concrete backends. The three
// binaries (api, worker, reaper) share one bootstrap so a run record
// written by one process is always visible to the others.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/queue"
	"github.com/packlane/packlane/internal/run"
	"github.com/packlane/packlane/internal/storage"
	"github.com/packlane/packlane/internal/tenant"
	"github.com/packlane/packlane/internal/traces"
)

// Deps holds the shared backends a binary runs against. In development,
// unset connection strings fall back to in-memory implementations; those
// live in one process only and are never shared.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger

	Runs    run.Store
	Tenants tenant.Store
	Engine  budget.Engine
	Objects storage.ObjectStore
	Queue   queue.Queue

	DB    *sql.DB
	Redis *redis.Client

	shutdownTraces func(context.Context) error
}

// Build constructs all backends from configuration.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Cfg: cfg, Logger: logger}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, "packlane", cfg.OTLPEndpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		d.shutdownTraces = shutdown
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		d.DB = db
		d.Runs = run.NewPostgresStore(db)
		d.Tenants = tenant.NewPostgresStore(db)
		logger.Info("using postgres stores")
	} else {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
		d.Runs = run.NewMemoryStore()
		d.Tenants = tenant.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		d.Redis = rdb
		d.Engine = budget.NewRedisEngine(rdb, cfg.ReservationTTL)
		logger.Info("using redis budget engine")
	} else {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("REDIS_URL is required in production")
		}
		d.Engine = budget.NewMemoryEngine(cfg.ReservationTTL)
		logger.Warn("REDIS_URL not set, using in-memory budget engine")
	}

	if cfg.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		d.Queue = queue.NewSQSQueue(awsCfg, cfg.QueueURL, cfg.SQSEndpoint)
		d.Objects = storage.NewS3Store(awsCfg, cfg.ResultsBucket, cfg.S3Endpoint)
		logger.Info("using sqs queue and s3 results bucket",
			"queue_url", cfg.QueueURL, "bucket", cfg.ResultsBucket)
	} else {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("QUEUE_URL is required in production")
		}
		d.Queue = queue.NewMemoryQueue()
		d.Objects = storage.NewMemoryStore()
		logger.Warn("QUEUE_URL not set, using in-memory queue and object store")
	}

	return d, nil
}

// Close releases all connections. Safe to call on a partially built Deps.
func (d *Deps) Close(ctx context.Context) {
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Error("close database", "error", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error("close redis", "error", err)
		}
	}
	if d.shutdownTraces != nil {
		if err := d.shutdownTraces(ctx); err != nil {
			d.Logger.Error("shutdown tracing", "error", err)
		}
	}
}
