package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/payroll-sync/jobs"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the worker queue.
type JobsCLI struct {
	client    taskEnqueuer
	inspector queueInspector
}

// NewJobsCLI initialises the CLI helpers against the job queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions defines the flags of the jobs trigger command.
type TriggerOptions struct {
	Job       string
	CompanyID int64
	Start     string
	End       string
	ActorID   int64
	Stdout    io.Writer
	Stderr    io.Writer
}

// Trigger enqueues a supported job by name. Export tasks need a period.
func (c *JobsCLI) Trigger(ctx context.Context, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch opts.Job {
	case jobs.TaskSyncSweep:
		task, err := jobs.NewSyncSweepTask()
		if err != nil {
			return nil, err
		}
		return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault))
	case jobs.TaskPayrollExport:
		in, err := jobs.PayrollExportPayload{
			CompanyID: opts.CompanyID,
			Start:     opts.Start,
			End:       opts.End,
			ActorID:   opts.ActorID,
		}.Input()
		if err != nil {
			return nil, fmt.Errorf("jobs cli: period dates must be YYYY-MM-DD: %w", err)
		}
		if in.Window, err = in.Window.Validate(); err != nil {
			return nil, err
		}
		task, taskOpts, err := jobs.NewPayrollExportTask(in)
		if err != nil {
			return nil, err
		}
		return c.client.EnqueueContext(ctx, task, taskOpts...)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", opts.Job)
	}
}

// TriggerCommand runs Trigger and prints the outcome. A duplicate export of a
// period still queued is reported but not treated as a failure.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts TriggerOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	info, err := c.Trigger(ctx, opts)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		_, _ = fmt.Fprintf(opts.Stdout, "%s already queued\n", opts.Job)
		return 0
	case err != nil:
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s (id %s) on %s\n", info.Type, info.ID, info.Queue)
	return 0
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string    `json:"queue"`
	Pending   int       `json:"pending"`
	Active    int       `json:"active"`
	Scheduled int       `json:"scheduled"`
	Retry     int       `json:"retry"`
	Archived  int       `json:"archived"`
	Paused    bool      `json:"paused"`
	At        time.Time `json:"at"`
}

// InspectQueue reports the metrics of the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault, At: time.Now().UTC()}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
		stats.Paused = info.Paused
	}
	return stats, nil
}

// StatsCommand prints the queue stats as text or JSON.
func (c *JobsCLI) StatsCommand(ctx context.Context, jsonOutput bool, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	if stats.Paused {
		_, _ = fmt.Fprintln(stdout, "queue is paused")
	}
	return 0
}
