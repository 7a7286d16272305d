package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/jobs"
)

// Enqueuer is the subset of jobs.Client the CLI submits through.
type Enqueuer interface {
	EnqueueRecomputeWeek(ctx context.Context, payload jobs.RecomputeWeekPayload) (*asynq.TaskInfo, error)
	EnqueueRecomputeYear(ctx context.Context, payload jobs.RecomputeYearPayload) (*asynq.TaskInfo, error)
	EnqueueRecomputeCurrent(ctx context.Context, payload jobs.RecomputeCurrentPayload) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for the recompute queue.
type JobsCLI struct {
	client    Enqueuer
	inspector jobs.QueueInspector
}

// NewJobsCLI wires the helpers. Either dependency may be nil when the
// matching command is not used.
func NewJobsCLI(client Enqueuer, inspector jobs.QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Recompute scopes accepted by the enqueue command.
const (
	ScopeWeek    = "week"
	ScopeYear    = "year"
	ScopeCurrent = "current"
)

// EnqueueOptions defines the flags of the enqueue command.
type EnqueueOptions struct {
	Scope           string
	BarID           int64
	BarIDs          []int64
	Year            int
	Week            int
	ResetManual     bool
	IncludePrevious bool
	Actor           string
	JSONOutput      bool
	Stdout          io.Writer
	Stderr          io.Writer
}

// EnqueueResult is printed with --json.
type EnqueueResult struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

// EnqueueCommand validates the scope and submits one recompute task.
func (c *JobsCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if c == nil || c.client == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "enqueue: job client not configured")
		return 1
	}
	if opts.Actor == "" {
		opts.Actor = "cli"
	}

	var (
		info *asynq.TaskInfo
		err  error
	)
	switch opts.Scope {
	case ScopeWeek:
		if err = checkBarYear(opts); err == nil {
			err = isoweek.Validate(opts.Year, opts.Week)
		}
		if err == nil {
			info, err = c.client.EnqueueRecomputeWeek(ctx, jobs.RecomputeWeekPayload{
				BarID: opts.BarID, Year: opts.Year, Week: opts.Week, ResetManual: opts.ResetManual, Actor: opts.Actor,
			})
		}
	case ScopeYear:
		if err = checkBarYear(opts); err == nil {
			info, err = c.client.EnqueueRecomputeYear(ctx, jobs.RecomputeYearPayload{
				BarID: opts.BarID, Year: opts.Year, ResetManual: opts.ResetManual, Actor: opts.Actor,
			})
		}
	case ScopeCurrent:
		info, err = c.client.EnqueueRecomputeCurrent(ctx, jobs.RecomputeCurrentPayload{
			BarIDs: opts.BarIDs, IncludePrevious: opts.IncludePrevious,
		})
	default:
		err = fmt.Errorf("unknown scope %q (expected week, year or current)", opts.Scope)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "enqueue: %v\n", err)
		return 1
	}

	result := EnqueueResult{TaskID: info.ID, Type: info.Type, Queue: info.Queue}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(result); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "enqueue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s on %s as %s\n", result.Type, result.Queue, result.TaskID)
	return 0
}

func checkBarYear(opts EnqueueOptions) error {
	if opts.BarID <= 0 {
		return errors.New("--bar is required and must be positive")
	}
	if opts.Year < 1 || opts.Year > 9999 {
		return fmt.Errorf("invalid --year %d", opts.Year)
	}
	return nil
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports the state of the recompute and default queues. A
// queue that was never used reports zeroes.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	names := []string{jobs.QueueCMV, jobs.QueueDefault}
	out := make([]QueueStats, 0, len(names))
	for _, name := range names {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("jobs cli: inspect %s: %w", name, err)
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// QueueCommand prints InspectQueues.
func (c *JobsCLI) QueueCommand(jsonOutput bool, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stats, err := c.InspectQueues()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "queue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, s := range stats {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	_ = tw.Flush()
	return 0
}
