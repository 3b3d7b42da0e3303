package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/payroll-sync/internal/jobs"
)

// StaleExpirer fails processing items whose lease lapsed without attempts left.
type StaleExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// ExportReconciler flags locked periods whose export batch completed.
type ExportReconciler interface {
	ReconcileExported(ctx context.Context) (int, error)
}

// IdleMarker disconnects agents that stopped polling.
type IdleMarker interface {
	MarkIdle(ctx context.Context) (int64, error)
}

// KeyPruner drops processed idempotency keys past their retention.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DefaultKeyRetention keeps personnel event keys long enough to absorb
// redeliveries from the HR module.
const DefaultKeyRetention = 30 * 24 * time.Hour

// SyncSweepJob is the periodic safety net behind the request-driven sync.
type SyncSweepJob struct {
	Queue        StaleExpirer
	Ledger       ExportReconciler
	Connections  IdleMarker
	Keys         KeyPruner
	KeyRetention time.Duration
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
}

// NewSyncSweepJob initialises the sweep handler.
func NewSyncSweepJob(queue StaleExpirer, ledger ExportReconciler, connections IdleMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncSweepJob {
	return &SyncSweepJob{Queue: queue, Ledger: ledger, Connections: connections, Logger: logger, Metrics: metrics}
}

// Handle runs one sweep. Each step runs even when an earlier one failed.
func (j *SyncSweepJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("sync sweep: handler not configured")
	}
	start := time.Now()
	tracker := j.Metrics.Track(TaskSyncSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.logger()

	var errs []error
	if j.Queue != nil {
		n, err := j.Queue.ExpireStale(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		j.Metrics.AddSwept("expired_items", n)
		if n > 0 {
			logger.Warn("stale queue items failed", slog.Int64("count", n))
		}
	}
	if j.Ledger != nil {
		n, err := j.Ledger.ReconcileExported(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		j.Metrics.AddSwept("exported_periods", int64(n))
	}
	if j.Connections != nil {
		n, err := j.Connections.MarkIdle(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		j.Metrics.AddSwept("idle_connections", n)
	}
	if j.Keys != nil {
		retention := j.KeyRetention
		if retention <= 0 {
			retention = DefaultKeyRetention
		}
		n, err := j.Keys.Cleanup(ctx, retention)
		if err != nil {
			errs = append(errs, err)
		}
		j.Metrics.AddSwept("idempotency_keys", n)
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("sync sweep failed", slog.Any("error", err))
		return err
	}
	logger.Info("sync sweep completed", slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *SyncSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSyncSweep))
	}
	return slog.Default().With(slog.String("job", TaskSyncSweep))
}
