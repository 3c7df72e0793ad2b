package cli

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/saf-gda/saf-gda/internal/batch"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/reconcile"
)

// IngestResult is the ingest command output.
type IngestResult struct {
	landing.BatchSummary
	Skipped int           `json:"skipped"`
	Issues  []batch.Issue `json:"issues,omitempty"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		label    string
		encoding string
		sheet    string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Load a CSV or XLSX batch into the landing store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			format, err := batch.DetectFormat(path)
			if err != nil {
				return err
			}
			if label == "" {
				label = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Landing == nil {
					return errors.New("safctl: landing store unavailable")
				}
				enc := encoding
				if enc == "" {
					enc = b.Encoding
				}
				parsed, err := batch.Parse(f, format, batch.Options{Encoding: enc, Sheet: sheet})
				if err != nil {
					return err
				}
				summary, err := b.Landing.IngestBatch(cmd.Context(), label, parsed.Rows)
				if err != nil {
					return err
				}
				out := IngestResult{BatchSummary: summary, Skipped: parsed.Skipped, Issues: parsed.Issues}
				return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
					printf(w, "batch %s: %d rows, %d inserted, %d duplicate, %d skipped\n",
						label, summary.Total, summary.Inserted, summary.Duplicates, parsed.Skipped)
					for _, issue := range parsed.Issues {
						printf(w, "  %s\n", issue)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&label, "batch", "", "batch label (defaults to the file name)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "CSV encoding (utf-8|windows-1252|iso-8859-1)")
	cmd.Flags().StringVar(&sheet, "sheet", "", "XLSX sheet name (defaults to the first sheet)")
	return cmd
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit    int
		po       int64
		division int64
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the oldest unprocessed landing rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Landing == nil {
					return errors.New("safctl: landing store unavailable")
				}
				filter := landing.PendingFilter{Limit: limit}
				if cmd.Flags().Changed("po") {
					filter.PurchaseOrder = &po
				}
				if cmd.Flags().Changed("division") {
					filter.Division = &division
				}
				rows, err := b.Landing.PeekPending(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rootOpts.Format, rows, func(w io.Writer) {
					for _, row := range rows {
						printf(w, "%d\t%s\t%s\t%s\n", row.ID, deref(row.Fields.FolioRB), derefInt(row.Fields.PurchaseOrder), row.IngestedAt.Format("2006-01-02 15:04"))
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	cmd.Flags().Int64Var(&po, "po", 0, "prioritise a purchase order")
	cmd.Flags().Int64Var(&division, "division", 0, "filter by division")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show landing queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Landing == nil {
					return errors.New("safctl: landing store unavailable")
				}
				stats, err := b.Landing.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rootOpts.Format, stats, func(w io.Writer) {
					printf(w, "total %d, pending %d, in flight %d, processed %d\n", stats.Total, stats.Pending, stats.InFlight, stats.Processed)
					if stats.OldestPending != nil {
						printf(w, "oldest pending %s\n", stats.OldestPending.Format("2006-01-02 15:04"))
					}
				})
			})
		},
	}
}

// NewTopologyCommand creates the topology command group.
func NewTopologyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage the physical archive layout",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply <file.yaml>",
		Short: "Create or update location units from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			units, err := location.LoadTopology(f)
			if err != nil {
				return err
			}
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Topology == nil {
					return errors.New("safctl: location registry unavailable")
				}
				out, err := b.Topology.ApplyTopology(cmd.Context(), units)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
					for _, u := range out {
						printf(w, "%d\t%s/%s/%s\t%d/%d\n", u.ID, u.Building, u.Furniture, u.Container, u.Occupancy, u.Capacity)
					}
				})
			})
		},
	})
	return cmd
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		maxFolios   int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Reconcile pending folios in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Reconciler == nil {
					return errors.New("safctl: reconciliation engine unavailable")
				}
				report, err := b.Reconciler.Drain(cmd.Context(), reconcile.DrainOptions{Max: maxFolios, Concurrency: concurrency})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rootOpts.Format, report, func(w io.Writer) {
					printf(w, "attempts %d, conciliated %d, incidences %d, pending %d, failures %d\n",
						report.Attempts, report.Conciliated, report.Incidences, report.Pending, report.Failures)
				})
			})
		},
	}
	cmd.Flags().IntVar(&maxFolios, "max", 200, "maximum folios to attempt")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel reconciliations")
	return cmd
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return rows with an expired claim to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd.Context(), func(b *Backend) error {
				if b.Reconciler == nil {
					return errors.New("safctl: reconciliation engine unavailable")
				}
				n, err := b.Reconciler.SweepLeases(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]int{"recovered": n}, func(w io.Writer) {
					printf(w, "recovered %d rows\n", n)
				})
			})
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func derefInt(n *int64) string {
	if n == nil {
		return "-"
	}
	return strconv.FormatInt(*n, 10)
}
