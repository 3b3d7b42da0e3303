package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/payroll-sync/internal/jobs"
	"github.com/odyssey-erp/payroll-sync/internal/payroll"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

type stubSweep struct {
	expired    int64
	expireErr  error
	reconciled int
	idle       int64
	calls      []string
}

func (s *stubSweep) ExpireStale(context.Context) (int64, error) {
	s.calls = append(s.calls, "expire")
	return s.expired, s.expireErr
}

func (s *stubSweep) ReconcileExported(context.Context) (int, error) {
	s.calls = append(s.calls, "reconcile")
	return s.reconciled, nil
}

func (s *stubSweep) MarkIdle(context.Context) (int64, error) {
	s.calls = append(s.calls, "idle")
	return s.idle, nil
}

type stubPruner struct {
	retention time.Duration
}

func (s *stubPruner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return 3, nil
}

func TestSyncSweepRunsEveryStep(t *testing.T) {
	stub := &stubSweep{expired: 2, reconciled: 1}
	job := NewSyncSweepJob(stub, stub, stub, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewSyncSweepTask()
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []string{"expire", "reconcile", "idle"}, stub.calls)
}

func TestSyncSweepPrunesIdempotencyKeys(t *testing.T) {
	stub := &stubSweep{}
	pruner := &stubPruner{}
	job := NewSyncSweepJob(stub, stub, stub, nil, nil)
	job.Keys = pruner

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSyncSweep, nil)))
	assert.Equal(t, DefaultKeyRetention, pruner.retention)

	job.KeyRetention = time.Hour
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSyncSweep, nil)))
	assert.Equal(t, time.Hour, pruner.retention)
}

func TestSyncSweepReportsFailureAfterRemainingSteps(t *testing.T) {
	stub := &stubSweep{expireErr: errors.New("db down")}
	job := NewSyncSweepJob(stub, stub, stub, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskSyncSweep, nil))
	assert.EqualError(t, err, "db down")
	assert.Equal(t, []string{"expire", "reconcile", "idle"}, stub.calls)
}

type stubExporter struct {
	got payroll.TransitionInput
	err error
}

func (s *stubExporter) ExportNow(_ context.Context, in payroll.TransitionInput) (payroll.TransitionResult, error) {
	s.got = in
	return payroll.TransitionResult{Period: payroll.Period{ID: 4}, Enqueued: 3}, s.err
}

func exportInput() payroll.TransitionInput {
	return payroll.TransitionInput{
		Window: payroll.Window{
			CompanyID: 2,
			Start:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			End:       time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		ActorID: 11,
	}
}

func TestPayrollExportTaskRoundTrip(t *testing.T) {
	task, opts, err := NewPayrollExportTask(exportInput())
	require.NoError(t, err)
	assert.Equal(t, TaskPayrollExport, task.Type())
	assert.NotEmpty(t, opts)

	again, _, err := NewPayrollExportTask(exportInput())
	require.NoError(t, err)
	assert.Equal(t, task.Payload(), again.Payload())

	stub := &stubExporter{}
	job := NewPayrollExportJob(stub, nil, nil)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, exportInput(), stub.got)
}

func TestPayrollExportSkipsRetryOnValidation(t *testing.T) {
	task, _, err := NewPayrollExportTask(exportInput())
	require.NoError(t, err)

	job := NewPayrollExportJob(&stubExporter{err: shared.ValidationError("pay period already exported")}, nil, nil)
	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	job = NewPayrollExportJob(&stubExporter{err: errors.New("db down")}, nil, nil)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestPayrollExportRejectsGarbage(t *testing.T) {
	job := NewPayrollExportJob(&stubExporter{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskPayrollExport, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
