package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/saf-gda/saf-gda/cmd/safctl/cli"
	"github.com/saf-gda/saf-gda/internal/app"
	jobmetrics "github.com/saf-gda/saf-gda/internal/jobs"
	"github.com/saf-gda/saf-gda/internal/platform/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open connects to Postgres and Redis using the service environment.
func open(ctx context.Context) (*cli.Backend, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	services, err := app.NewServices(ctx, cfg, pool, jobmetrics.NewMetrics(nil), logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	queue := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	release := func() {
		if err := queue.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
		if err := services.Close(); err != nil {
			logger.Warn("services close", slog.Any("error", err))
		}
		pool.Close()
	}
	return &cli.Backend{
		Landing:    services.Landing,
		Topology:   services.Locations,
		Reconciler: services.Engine,
		Queue:      queue,
		Encoding:   cfg.IngestEncoding,
	}, release, nil
}
