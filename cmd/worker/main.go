package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/audience/internal/analytics"
	"github.com/ignite/audience/internal/config"
	"github.com/ignite/audience/internal/delivery"
	"github.com/ignite/audience/internal/jobs"
	"github.com/ignite/audience/internal/pkg/database"
	"github.com/ignite/audience/internal/pkg/logger"
	"github.com/ignite/audience/internal/rules"
	"github.com/ignite/audience/internal/staging"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, !cfg.Logging.DisableRedaction); err != nil {
		logger.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	logger.Info("starting population worker", "workers", cfg.Jobs.Workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := database.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	ch, err := analytics.NewClient(cfg.ClickHouse)
	if err != nil {
		logger.Error("failed to open clickhouse", "error", err)
		os.Exit(1)
	}
	defer ch.Close()
	if err := ch.Ping(ctx); err != nil {
		logger.Error("failed to ping clickhouse", "error", err)
		os.Exit(1)
	}

	ruleStore := rules.NewStore(db, rdb, cfg.Rules.CacheTTL())
	deliveryStore := delivery.NewStore(db)
	queue := jobs.NewQueue(db, jobs.QueueConfig{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BaseBackoff: cfg.Jobs.BaseBackoff(),
		MaxBackoff:  cfg.Jobs.MaxBackoff(),
		StaleAge:    cfg.Jobs.StaleAfter(),
	})
	if err := database.EnsureSchemas(ctx, ruleStore, deliveryStore, queue); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	pipeline := staging.NewPipeline(rdb, ch, staging.Config{
		BatchSize: cfg.Staging.BatchSize,
		PageSize:  cfg.Staging.PageSize,
		TTL:       cfg.Staging.TTL(),
		LockTTL:   cfg.Staging.LockTTL(),
	})

	worker := jobs.NewWorker(queue, jobs.WorkerConfig{
		Concurrency:      cfg.Jobs.Workers,
		PollInterval:     cfg.Jobs.PollInterval(),
		RecoveryInterval: cfg.Jobs.RecoveryInterval(),
	})
	jobs.NewPopulations(ruleStore, rules.NewEngine(), pipeline, deliveryStore).Register(worker)

	logger.Info("worker running", "worker_id", queue.WorkerID())
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
