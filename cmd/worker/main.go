package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/saf-gda/saf-gda/internal/app"
	jobmetrics "github.com/saf-gda/saf-gda/internal/jobs"
	"github.com/saf-gda/saf-gda/internal/platform/cache"
	"github.com/saf-gda/saf-gda/internal/platform/db"
	"github.com/saf-gda/saf-gda/internal/platform/lock"
	"github.com/saf-gda/saf-gda/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnTTL})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	services, err := app.NewServices(ctx, cfg, pool, metrics, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("services close", slog.Any("error", err))
		}
	}()

	reconcileJobs := jobs.NewReconcileJobs(
		services.Engine,
		lock.New(redisClient, "saf", logger),
		jobs.ReconcileJobConfig{
			DrainMax:         cfg.DrainMax,
			DrainConcurrency: cfg.DrainConcurrency,
			SweepLockTTL:     cfg.LeaseDuration,
		},
		logger,
		metrics,
	)

	drainTask, err := jobs.NewDrainTask(jobs.DrainPayload{})
	if err != nil {
		logger.Error("build drain task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewSweepTask()
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if cfg.DrainCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.DrainCron, Task: drainTask, Options: []asynq.Option{asynq.Unique(time.Minute)}})
	}
	if cfg.SweepCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.SweepCron, Task: sweepTask})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers:    reconcileJobs.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
