package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/payroll-sync/internal/jobs"
	"github.com/odyssey-erp/payroll-sync/internal/payroll"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Exporter re-enqueues the export of a locked period.
type Exporter interface {
	ExportNow(ctx context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error)
}

// PayrollExportJob executes deferred export requests.
type PayrollExportJob struct {
	Ledger  Exporter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPayrollExportJob initialises the export handler.
func NewPayrollExportJob(ledger Exporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *PayrollExportJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayrollExportJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle runs ExportNow for the task's period. Validation failures such as
// an already exported period are not retried.
func (j *PayrollExportJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("payroll export: handler not configured")
	}
	var payload PayrollExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("payroll export: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	in, err := payload.Input()
	if err != nil {
		return fmt.Errorf("payroll export: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskPayrollExport)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Ledger.ExportNow(ctx, in)
	if err != nil {
		if errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) {
			j.Logger.Warn("deferred export rejected", slog.Int64("company_id", payload.CompanyID), slog.String("start", payload.Start), slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.Logger.Info("deferred export enqueued",
		slog.Int64("pay_period_id", res.Period.ID),
		slog.Int("enqueued", res.Enqueued),
	)
	return nil
}
