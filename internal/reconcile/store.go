package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/platform/db"
	"github.com/saf-gda/saf-gda/internal/shared"
)

// PgStore closes work items in PostgreSQL. Transactions run at read committed
// so a blocked conditional update re-reads the row instead of aborting.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore constructs PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// WithTx runs fn inside one transaction.
func (s *PgStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTxIso(ctx, s.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxStore{
			landing:   landing.NewRepository(tx),
			locations: location.NewRepository(tx),
			documents: documents.NewRepository(tx),
			audit:     shared.NewAuditLogger(tx),
		})
	})
}

type pgTxStore struct {
	landing   *landing.Repository
	locations *location.Repository
	documents *documents.Repository
	audit     *shared.AuditLogger
}

func (t *pgTxStore) LockFolio(ctx context.Context, folio string) error {
	return t.landing.LockFolio(ctx, folio)
}

func (t *pgTxStore) ListDocumentsByFolio(ctx context.Context, folio string) ([]documents.Document, error) {
	return t.documents.ListByFolio(ctx, folio)
}

func (t *pgTxStore) FindConciliado(ctx context.Context, fiscalUUID, folio string) (documents.Document, error) {
	return t.documents.FindConciliado(ctx, fiscalUUID, folio)
}

func (t *pgTxStore) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (documents.Document, error) {
	return t.documents.GetForUpdate(ctx, id)
}

func (t *pgTxStore) InsertDocument(ctx context.Context, doc documents.Document) (documents.Document, error) {
	return t.documents.Insert(ctx, doc)
}

func (t *pgTxStore) UpdateDocumentStatus(ctx context.Context, u documents.StatusUpdate) (documents.Document, error) {
	return t.documents.UpdateStatus(ctx, u)
}

func (t *pgTxStore) AppendNote(ctx context.Context, id uuid.UUID, line string) (documents.Document, error) {
	return t.documents.AppendNote(ctx, id, line)
}

func (t *pgTxStore) Allocate(ctx context.Context, locationID int64, count int) (location.Unit, error) {
	return t.locations.Allocate(ctx, locationID, count)
}

func (t *pgTxStore) MarkProcessed(ctx context.Context, token uuid.UUID, ids ...int64) error {
	return t.landing.MarkProcessed(ctx, token, ids...)
}

func (t *pgTxStore) Record(ctx context.Context, log shared.AuditLog) error {
	return t.audit.Record(ctx, log)
}
