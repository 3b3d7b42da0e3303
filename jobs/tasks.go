package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/payroll-sync/internal/payroll"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSyncSweep expires stale queue items, reconciles exported flags and
	// marks idle agent connections.
	TaskSyncSweep = "sync:sweep"
	// TaskPayrollExport re-enqueues the export items of a locked pay period.
	TaskPayrollExport = "payroll:export"
)

// SyncSweepPayload carries no options; the sweep covers every company.
type SyncSweepPayload struct{}

// NewSyncSweepTask constructs the sweep task.
func NewSyncSweepTask() (*asynq.Task, error) {
	data, err := json.Marshal(SyncSweepPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncSweep, data, asynq.MaxRetry(1), asynq.Timeout(5*time.Minute)), nil
}

// PayrollExportPayload identifies the period to export.
type PayrollExportPayload struct {
	CompanyID int64  `json:"company_id"`
	Start     string `json:"start"`
	End       string `json:"end"`
	ActorID   int64  `json:"actor_id"`
}

// Input converts the payload back into a ledger transition.
func (p PayrollExportPayload) Input() (payroll.TransitionInput, error) {
	start, err := time.Parse(time.DateOnly, p.Start)
	if err != nil {
		return payroll.TransitionInput{}, err
	}
	end, err := time.Parse(time.DateOnly, p.End)
	if err != nil {
		return payroll.TransitionInput{}, err
	}
	return payroll.TransitionInput{
		Window:  payroll.Window{CompanyID: p.CompanyID, Start: start, End: end},
		ActorID: p.ActorID,
	}, nil
}

// NewPayrollExportTask constructs an export task. Tasks for the same period
// share an id so a double submit collapses.
func NewPayrollExportTask(in payroll.TransitionInput) (*asynq.Task, []asynq.Option, error) {
	payload := PayrollExportPayload{
		CompanyID: in.CompanyID,
		Start:     in.Start.Format(time.DateOnly),
		End:       in.End.Format(time.DateOnly),
		ActorID:   in.ActorID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.TaskID(TaskPayrollExport + ":" + payload.key()),
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
	}
	return asynq.NewTask(TaskPayrollExport, data), opts, nil
}

func (p PayrollExportPayload) key() string {
	data, _ := json.Marshal([]any{p.CompanyID, p.Start, p.End})
	return string(data)
}
