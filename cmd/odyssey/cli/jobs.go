package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-billing/jobs"
)

// TaskEnqueuer is the subset of asynq.Client used by the CLI.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueReader is the subset of asynq.Inspector used by the CLI.
type QueueReader interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    TaskEnqueuer
	inspector QueueReader
	now       func() time.Time
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return NewJobsCLIWith(asynq.NewClient(opts), asynq.NewInspector(opts))
}

// NewJobsCLIWith builds the helpers around existing clients.
func NewJobsCLIWith(client TaskEnqueuer, inspector QueueReader) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector, now: time.Now}
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

// Trigger enqueues a supported job by name. retention only applies to the
// idempotency cleanup; zero keeps the worker default.
func (c *JobsCLI) Trigger(ctx context.Context, name string, retention time.Duration) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskLedgerScan:
		task, err = jobs.NewLedgerScanTask(c.now().UTC())
	case jobs.TaskIdempotencyCleanup:
		task, err = jobs.NewIdempotencyCleanupTask(retention)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the metrics of every billing queue. Queues that were
// never used report zeros.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return nil, err
		case info != nil:
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

// Command builds the "jobs" command tree.
func (c *JobsCLI) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobs",
		Short:         "Inspect and trigger background billing jobs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return errors.New("usage: jobs trigger <ledger:scan|idempotency:cleanup> | jobs stats")
		},
	}

	trigger := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Enqueue a job now",
		Example: `  odyssey jobs trigger ledger:scan
  odyssey jobs trigger idempotency:cleanup --retention 24h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retention, _ := cmd.Flags().GetDuration("retention")
			info, err := c.Trigger(cmd.Context(), args[0], retention)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return err
		},
	}
	trigger.Flags().Duration("retention", 0, "Key retention for idempotency:cleanup (default: worker setting)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := c.InspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range rows {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-9s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived); err != nil {
					return err
				}
			}
			return nil
		},
	}

	root.AddCommand(trigger, stats)
	return root
}

// Run executes the command tree with args and writes its report to w.
func (c *JobsCLI) Run(ctx context.Context, args []string, w io.Writer) error {
	if args == nil {
		args = []string{}
	}
	cmd := c.Command()
	cmd.SetArgs(args)
	cmd.SetOut(w)
	cmd.SetErr(w)
	return cmd.ExecuteContext(ctx)
}
