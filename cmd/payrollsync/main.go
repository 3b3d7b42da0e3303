package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/payroll-sync/cmd/payrollsync/cli"
	"github.com/odyssey-erp/payroll-sync/internal/app"
	gatewayhttp "github.com/odyssey-erp/payroll-sync/internal/gateway/http"
	integrationhttp "github.com/odyssey-erp/payroll-sync/internal/integration/http"
	"github.com/odyssey-erp/payroll-sync/internal/observability"
	payrollhttp "github.com/odyssey-erp/payroll-sync/internal/payroll/http"
	"github.com/odyssey-erp/payroll-sync/internal/platform/cache"
	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/jobs"
)

const usage = `usage: payrollsync [command]

commands:
  serve                       run the admin API and agent endpoint (default)
  migrate                     apply database migrations and exit
  jobs trigger -job NAME ...  enqueue a worker task (sync:sweep, payroll:export)
  jobs stats [-json]          print worker queue stats
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.RunMigrations(pool, logger)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		opts := cli.TriggerOptions{}
		fs.StringVar(&opts.Job, "job", jobs.TaskSyncSweep, "task type to enqueue")
		fs.Int64Var(&opts.CompanyID, "company", 0, "company id (payroll:export)")
		fs.StringVar(&opts.Start, "start", "", "period start YYYY-MM-DD (payroll:export)")
		fs.StringVar(&opts.End, "end", "", "period end YYYY-MM-DD (payroll:export)")
		fs.Int64Var(&opts.ActorID, "actor", 0, "acting user id recorded on the export")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.TriggerCommand(ctx, opts)
	case "stats":
		fs := flag.NewFlagSet("jobs stats", flag.ContinueOnError)
		jsonOutput := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.StatsCommand(ctx, *jsonOutput, os.Stdout, os.Stderr)
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := db.RunMigrations(pool, logger); err != nil {
			return err
		}
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.BuildServices(cfg, pool, redisClient, metrics.Registerer(), logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		PayrollHandler: payrollhttp.NewHandler(logger, services.Payroll, services.Timeclock, jobClient),
		SyncAdminHandler: integrationhttp.NewHandler(logger, integrationhttp.Services{
			Queue:       services.Queue,
			Mappings:    services.Mappings,
			Connections: services.Connections,
			Sessions:    services.SyncLog,
			Events:      services.Hooks,
		}),
		GatewayHandler: gatewayhttp.NewHandler(logger, services.Gateway),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Readiness: map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return cache.Healthy(ctx, redisClient)
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
