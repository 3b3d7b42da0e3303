package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/payroll-sync/internal/connection"
	"github.com/odyssey-erp/payroll-sync/internal/gateway"
	"github.com/odyssey-erp/payroll-sync/internal/integration"
	"github.com/odyssey-erp/payroll-sync/internal/mapping"
	"github.com/odyssey-erp/payroll-sync/internal/payroll"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/synclog"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
	"github.com/odyssey-erp/payroll-sync/internal/timeclock"
)

// Services is the wired domain layer shared by the server and the worker.
type Services struct {
	Timeclock   *timeclock.Service
	Payroll     *payroll.Service
	Queue       *syncqueue.Service
	Mappings    *mapping.Service
	Connections *connection.Service
	SyncLog     *synclog.Log
	Gateway     *gateway.Service
	Hooks       *integration.Hooks
	Keys        *shared.IdempotencyStore
}

// BuildServices constructs every domain service over the shared pool. The
// redis client backs agent tickets; reg receives the component collectors.
func BuildServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, reg prometheus.Registerer, logger *slog.Logger) *Services {
	clock := timeclock.NewRepository(pool, cfg.OvertimeWeeklyHours)

	queue := syncqueue.NewService(syncqueue.NewRepository(pool), syncqueue.Config{
		MaxAttempts:  cfg.SyncMaxAttempts,
		StaleAfter:   cfg.SyncStaleAfter,
		RetryBackoff: cfg.SyncRetryBackoff,
	}, syncqueue.NewMetrics(reg), logger)

	ledger := payroll.NewService(payroll.NewRepository(pool), clock, clock, queue, shared.NewAuditLogger(pool), logger)
	connections := connection.NewService(connection.NewRepository(pool))
	mappings := mapping.NewService(mapping.NewRepository(pool), clock, queue, logger)
	log := synclog.NewLog(synclog.NewRepository(pool), logger)
	keys := shared.NewIdempotencyStore(pool)

	gw := gateway.NewService(gateway.Deps{
		Connections: connections,
		Queue:       queue,
		Mappings:    mappings,
		Log:         log,
		Periods:     ledger,
		Tickets:     gateway.NewRedisTicketStore(redisClient, cfg.SyncTicketTTL),
		Metrics:     gateway.NewMetrics(reg),
		Logger:      logger,
	}, gateway.Config{TicketTTL: cfg.SyncTicketTTL, MaxSkips: cfg.SyncMaxSkips})

	return &Services{
		Timeclock:   timeclock.NewService(clock, ledger),
		Payroll:     ledger,
		Queue:       queue,
		Mappings:    mappings,
		Connections: connections,
		SyncLog:     log,
		Gateway:     gw,
		Hooks:       integration.NewHooks(mappings, connections, logger).WithKeyStore(keys),
		Keys:        keys,
	}
}
