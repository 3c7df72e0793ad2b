package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/fingerprint"
	"github.com/saf-gda/saf-gda/internal/shared"
)

const defaultDrainMax = 200

// Drain processes up to opts.Max work items with opts.Concurrency consumers.
// A failing item is counted and does not stop the run; the run ends early
// when the queue has nothing available.
func (e *Engine) Drain(ctx context.Context, opts DrainOptions) (DrainReport, error) {
	if opts.Max <= 0 {
		opts.Max = defaultDrainMax
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	var (
		mu     sync.Mutex
		report DrainReport
		budget atomic.Int64
	)
	budget.Store(int64(opts.Max))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Concurrency; i++ {
		g.Go(func() error {
			for budget.Add(-1) >= 0 {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := e.ProcessNext(gctx, opts.Filter)
				if errors.Is(err, ErrNoWork) {
					return nil
				}
				mu.Lock()
				report.Attempts++
				switch {
				case err != nil:
					report.Failures++
				case out.Status == documents.StatusConciliated:
					report.Conciliated++
				case out.Status == documents.StatusIncidence:
					report.Incidences++
				default:
					report.Pending++
				}
				mu.Unlock()
				if err != nil {
					e.logger.ErrorContext(gctx, "reconcile item failed", slog.Any("error", err))
				}
			}
			return nil
		})
	}
	err := g.Wait()
	e.logger.InfoContext(ctx, "drain finished",
		slog.Int("attempts", report.Attempts),
		slog.Int("conciliados", report.Conciliated),
		slog.Int("incidencias", report.Incidences),
		slog.Int("pendientes", report.Pending),
		slog.Int("failures", report.Failures),
	)
	return report, err
}

// SweepLeases returns rows whose claim expired to the queue and reports how
// many were recovered.
func (e *Engine) SweepLeases(ctx context.Context) (int, error) {
	ids, err := e.queue.SweepExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	e.logger.WarnContext(ctx, "expired leases recovered", slog.Int("count", len(ids)), slog.Any("entradas", ids))
	if e.metrics != nil {
		e.metrics.AddLeaseExpired(len(ids))
	}
	for _, id := range ids {
		e.record(ctx, shared.AuditLog{
			Actor:    shared.ActorSystem,
			Action:   shared.ActionLeaseExpired,
			Entity:   shared.EntityRawEntry,
			EntityID: strconv.FormatInt(id, 10),
		})
	}
	return len(ids), nil
}

// Override lets an auditor close an INCIDENCIA by hand. Moving it to
// CONCILIADO binds the observed fiscal UUID and allocates the storage slot
// under the same uniqueness and capacity rules as the engine; moving it to
// PENDIENTE marks it acknowledged and awaiting a new scan.
func (e *Engine) Override(ctx context.Context, in OverrideInput) (documents.Document, error) {
	in.Actor = strings.TrimSpace(in.Actor)
	in.Note = strings.TrimSpace(in.Note)
	if in.Actor == "" {
		return documents.Document{}, errors.New("reconcile: override requires an actor")
	}
	if in.Target != documents.StatusConciliated && in.Target != documents.StatusPending {
		return documents.Document{}, fmt.Errorf("%w: target %q", documents.ErrNotOverridable, in.Target)
	}

	var out documents.Document
	err := e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		doc, err := tx.GetDocumentForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		if doc.Status != documents.StatusIncidence {
			return fmt.Errorf("%w: document is %s", documents.ErrNotOverridable, doc.Status)
		}
		update := documents.StatusUpdate{ID: doc.ID, Status: in.Target, Reason: doc.Reason}
		if in.Target == documents.StatusConciliated {
			if doc.FolioRB == "" || doc.ExtractedUUID == "" || !fingerprint.Valid(doc.HashOriginal) || !fingerprint.Valid(doc.HashFinal) {
				return fmt.Errorf("%w: folio, fiscal uuid and integrity hashes are required", documents.ErrNotOverridable)
			}
			existing, err := tx.FindConciliado(ctx, doc.ExtractedUUID, doc.FolioRB)
			switch {
			case err == nil:
				if strings.EqualFold(existing.UUIDSAT, doc.ExtractedUUID) {
					return fmt.Errorf("%w: held by %s", ErrDuplicateFiscalUUID, existing.ID)
				}
				return fmt.Errorf("%w: held by %s", ErrDuplicateFolio, existing.ID)
			case !errors.Is(err, documents.ErrNotFound):
				return err
			}
			unit, err := e.locator.Resolve(ctx, doc.FolioRB)
			if err != nil {
				return err
			}
			if _, err := tx.Allocate(ctx, unit.ID, 1); err != nil {
				return err
			}
			update.Reason = ""
			update.UUIDSAT = doc.ExtractedUUID
			update.LocationID = &unit.ID
		}
		if out, err = tx.UpdateDocumentStatus(ctx, update); err != nil {
			return err
		}
		line := fmt.Sprintf("[%s %s] override %s -> %s", e.now().UTC().Format(time.RFC3339), in.Actor, doc.Status, in.Target)
		if in.Note != "" {
			line += ": " + in.Note
		}
		if out, err = tx.AppendNote(ctx, doc.ID, line); err != nil {
			return err
		}
		return tx.Record(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.ActionStatusOverride,
			Entity:   shared.EntityDocument,
			EntityID: doc.ID.String(),
			Meta: map[string]any{
				"from":   string(doc.Status),
				"to":     string(in.Target),
				"motivo": string(doc.Reason),
				"note":   in.Note,
			},
		})
	})
	if err != nil {
		return documents.Document{}, err
	}
	if e.metrics != nil {
		e.metrics.AddOutcome(string(in.Target), "OVERRIDE")
	}
	e.logger.InfoContext(ctx, "document overridden",
		slog.String("documento_id", in.ID.String()),
		slog.String("estatus", string(in.Target)),
		slog.String("actor", in.Actor),
	)
	return out, nil
}
