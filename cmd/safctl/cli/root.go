package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/reconcile"
	"github.com/saf-gda/saf-gda/jobs"
)

// Landing is the part of landing.Service used by safctl.
type Landing interface {
	IngestBatch(ctx context.Context, batch string, rows []landing.Fields) (landing.BatchSummary, error)
	PeekPending(ctx context.Context, filter landing.PendingFilter) ([]landing.RawEntry, error)
	Stats(ctx context.Context) (landing.QueueStats, error)
}

// Topology applies a physical archive layout.
type Topology interface {
	ApplyTopology(ctx context.Context, units []location.Unit) ([]location.Unit, error)
}

// Reconciler runs the engine in-process.
type Reconciler interface {
	Drain(ctx context.Context, opts reconcile.DrainOptions) (reconcile.DrainReport, error)
	SweepLeases(ctx context.Context) (int, error)
}

// Queue triggers and inspects background jobs.
type Queue interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	Inspect() ([]jobs.QueueHealth, error)
}

// Backend is what a command talks to. Fields a command does not use may be nil.
type Backend struct {
	Landing    Landing
	Topology   Topology
	Reconciler Reconciler
	Queue      Queue
	// Encoding is the default CSV encoding for ingest.
	Encoding string
}

// Opener builds a Backend and returns a function releasing it.
type Opener func(ctx context.Context) (*Backend, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
	open   Opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for safctl.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "safctl",
		Short: "SAF-GDA operator tool",
		Long:  "Operate the document reconciliation pipeline: ingest batches, inspect the queue, drain and sweep.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewTopologyCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))

	return cmd
}

// withBackend opens the backend for the duration of fn.
func (o *RootOptions) withBackend(ctx context.Context, fn func(*Backend) error) error {
	if o.open == nil {
		return fmt.Errorf("safctl: no backend configured")
	}
	backend, release, err := o.open(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	return fn(backend)
}
