package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/payroll-sync/internal/app"
	jobmetrics "github.com/odyssey-erp/payroll-sync/internal/jobs"
	"github.com/odyssey-erp/payroll-sync/internal/observability"
	"github.com/odyssey-erp/payroll-sync/internal/platform/cache"
	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.BuildServices(cfg, pool, redisClient, metrics.Registerer(), logger)
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	sweepJob := jobs.NewSyncSweepJob(services.Queue, services.Payroll, services.Connections, logger, jobMetrics)
	sweepJob.Keys = services.Keys
	exportJob := jobs.NewPayrollExportJob(services.Payroll, logger, jobMetrics)

	sweepTask, err := jobs.NewSyncSweepTask()
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSyncSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskPayrollExport, Handler: exportJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SyncSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.Unique(time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", slog.String("sweep_cron", cfg.SyncSweepCron), slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
