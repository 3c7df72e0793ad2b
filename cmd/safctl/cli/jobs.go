package cli

import (
	"context"
	"errors"
	"io"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/saf-gda/saf-gda/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against Redis.
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

// Trigger enqueues a supported job by name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.TaskByName(name)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Inspect reports the reconciliation queues.
func (c *JobsCLI) Inspect() ([]jobs.QueueHealth, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	return jobs.Inspect(c.inspector)
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a job with its default payload",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskReconcileDrain, jobs.TaskLeaseSweep},
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Queue == nil {
					return errors.New("safctl: job queue unavailable")
				}
				info, err := b.Queue.Trigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue}
				return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
					printf(w, "enqueued %s on %s as %s\n", info.Type, info.Queue, info.ID)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Show queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Queue == nil {
					return errors.New("safctl: job queue unavailable")
				}
				queues, err := b.Queue.Inspect()
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rootOpts.Format, queues, func(w io.Writer) {
					for _, q := range queues {
						printf(w, "%s\tpending %d\tactive %d\tretry %d\tarchived %d\tscheduled %d\n",
							q.Queue, q.Pending, q.Active, q.Retry, q.Archived, q.Scheduled)
					}
				})
			})
		},
	})
	return cmd
}
