package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/audience/internal/api"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := rules.NewEngine()
	var (
		ruleStore api.RuleStore
		queue     api.JobQueue
		progress  api.ProgressReader
		campaigns api.CampaignAborter
	)

	// Each backing service is optional; routes that need a missing one answer 503.
	db, err := database.OpenPostgres(ctx, cfg.Database)
	switch {
	case errors.Is(err, database.ErrNoDatabaseURL):
		logger.Warn("no database configured, rule storage and populations disabled")
	case err != nil:
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	default:
		defer db.Close()
		logger.Info("connected to database")
	}

	rdb, err := database.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, rule cache and progress disabled", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
		progress = staging.NewPipeline(rdb, nil, staging.Config{})
	}

	if db != nil {
		rs := rules.NewStore(db, rdb, cfg.Rules.CacheTTL())
		q := jobs.NewQueue(db, jobs.QueueConfig{
			MaxAttempts: cfg.Jobs.MaxAttempts,
			BaseBackoff: cfg.Jobs.BaseBackoff(),
			MaxBackoff:  cfg.Jobs.MaxBackoff(),
			StaleAge:    cfg.Jobs.StaleAfter(),
		})
		ds := delivery.NewStore(db)
		if err := database.EnsureSchemas(ctx, rs, q, ds); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		ruleStore, queue, campaigns = rs, q, ds
	}

	handlers := api.NewHandlers(engine, ruleStore, queue, progress, campaigns)
	server := api.NewServer(cfg.Server, handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
