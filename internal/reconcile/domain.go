// Package reconcile promotes pending landing rows and their scanned document
// into a terminal reconciliation record.
//
// The unit of work is a folio group: every pending row stamped with the same
// physical folio is claimed, checked and closed together. A group ends as
// CONCILIADO when the scan is readable, its integrity hashes agree, neither
// the fiscal UUID nor the folio is already certified and the folio's storage
// unit has room. Any failed check ends it as INCIDENCIA with a reason code.
// A folio whose scan has not arrived stays PENDIENTE and is re-checked later.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/scan"
	"github.com/saf-gda/saf-gda/internal/shared"
)

var (
	// ErrNoWork indicates nothing could be claimed.
	ErrNoWork = errors.New("reconcile: no pending work")
	// ErrFolioBusy indicates another worker holds the folio's rows; a pushed
	// extraction must be retried once that claim closes.
	ErrFolioBusy = errors.New("reconcile: folio claimed by another worker")
	// ErrHashMismatch indicates the scan failed its integrity check.
	ErrHashMismatch = errors.New("reconcile: integrity hash mismatch")
	// ErrDuplicateFiscalUUID indicates the fiscal UUID is already certified.
	ErrDuplicateFiscalUUID = documents.ErrDuplicateUUID
	// ErrDuplicateFolio indicates the folio is already certified.
	ErrDuplicateFolio = documents.ErrDuplicateFolio
)

// Config tunes the engine.
type Config struct {
	// Lease bounds how long a claim survives without completion.
	Lease time.Duration
	// RecheckInterval delays the next claim of a folio whose scan is missing.
	RecheckInterval time.Duration
	// StaleAfter turns a still-unmatched folio into STALE_PENDING once its
	// oldest row is this old. Zero disables.
	StaleAfter time.Duration
	// Series is stamped on every document.
	Series string
}

const (
	defaultLease   = 5 * time.Minute
	defaultRecheck = 15 * time.Minute
)

// WorkItem is a claimed folio group on its way through the state machine.
type WorkItem struct {
	Entries    []landing.RawEntry
	Token      uuid.UUID
	Folio      string
	LocationID *int64
	Extraction *scan.Extraction
	Series     string
}

// IDs returns the landing ids of the group.
func (w WorkItem) IDs() []int64 {
	ids := make([]int64, len(w.Entries))
	for i, e := range w.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Outcome reports how a work item ended.
type Outcome struct {
	Folio      string           `json:"folio_rb,omitempty"`
	Status     documents.Status `json:"estatus"`
	Reason     documents.Reason `json:"motivo,omitempty"`
	DocumentID *uuid.UUID       `json:"documento_id,omitempty"`
	Entries    []int64          `json:"entradas,omitempty"`
	Notes      []string         `json:"notas,omitempty"`
}

// FolioRequest asks for the reconciliation of one folio, optionally carrying
// an extraction pushed by the recognition collaborator.
type FolioRequest struct {
	Folio      string
	Extraction *scan.Extraction
}

// DrainOptions bounds a drain run.
type DrainOptions struct {
	Max         int
	Concurrency int
	Filter      landing.PendingFilter
}

// DrainReport summarises a drain run.
type DrainReport struct {
	Attempts    int `json:"attempts"`
	Conciliated int `json:"conciliados"`
	Incidences  int `json:"incidencias"`
	Pending     int `json:"pendientes"`
	Failures    int `json:"failures"`
}

// OverrideInput is an auditor's manual status change on an INCIDENCIA.
type OverrideInput struct {
	ID     uuid.UUID
	Target documents.Status
	Actor  string
	Note   string
}

// Queue is the pending queue over the landing zone.
type Queue interface {
	ClaimNext(ctx context.Context, req landing.ClaimRequest) ([]landing.RawEntry, error)
	ClaimFolio(ctx context.Context, folio string, req landing.ClaimRequest) ([]landing.RawEntry, error)
	Release(ctx context.Context, ids []int64, token uuid.UUID, availableAt time.Time) (int64, error)
	SweepExpiredLeases(ctx context.Context) ([]int64, error)
	ListByFolio(ctx context.Context, folio string) ([]landing.RawEntry, error)
}

// Locator resolves a folio to its storage unit.
type Locator interface {
	Resolve(ctx context.Context, folio string) (location.Unit, error)
}

// Scans fetches the scanned counterpart of a folio.
type Scans interface {
	Fetch(ctx context.Context, folio string) (scan.Result, error)
	Attach(ctx context.Context, folio string, ext scan.Extraction) (scan.Result, error)
}

// Store runs the closing writes of a work item atomically.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore is the set of writes available inside a closing transaction.
type TxStore interface {
	// LockFolio serialises writers of one folio until the transaction ends.
	LockFolio(ctx context.Context, folio string) error
	ListDocumentsByFolio(ctx context.Context, folio string) ([]documents.Document, error)
	FindConciliado(ctx context.Context, fiscalUUID, folio string) (documents.Document, error)
	GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (documents.Document, error)
	InsertDocument(ctx context.Context, doc documents.Document) (documents.Document, error)
	UpdateDocumentStatus(ctx context.Context, u documents.StatusUpdate) (documents.Document, error)
	AppendNote(ctx context.Context, id uuid.UUID, line string) (documents.Document, error)
	Allocate(ctx context.Context, locationID int64, count int) (location.Unit, error)
	MarkProcessed(ctx context.Context, token uuid.UUID, ids ...int64) error
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuditPort records custody events outside a closing transaction.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives engine counters.
type MetricsPort interface {
	AddOutcome(status, reason string)
	AddLeaseExpired(n int)
}
