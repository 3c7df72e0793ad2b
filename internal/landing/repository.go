package landing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/saf-gda/saf-gda/internal/platform/db"
)

// Repository persists landing rows and implements the pending queue in PostgreSQL.
// It runs against a pool or inside a caller's transaction.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs Repository.
func NewRepository(q db.DBTX) *Repository {
	return &Repository{db: q}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const entryColumns = `id, div, provedor, orden_compra, mov, fecha_entrada, folio_factura,
	codigo_articulo, articulo, cantidad::text, precio_unitario::text, importe::text, fondeo,
	folio_rb, registro_hash, lote_origen, procesado, procesado_at, claim_token::text,
	lease_expira, intentos, fecha_ingesta`

const insertEntrySQL = `INSERT INTO tbl_entradas_raw (
	div, provedor, orden_compra, mov, fecha_entrada, folio_factura, codigo_articulo,
	articulo, cantidad, precio_unitario, importe, fondeo, folio_rb, registro_hash, lote_origen
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric, $11::text::numeric,
	$12, $13, $14, $15
)
ON CONFLICT (registro_hash) DO NOTHING
RETURNING id`

func insertArgs(batch string, row Row) []any {
	f := row.Fields
	return []any{
		f.Division, f.Supplier, f.PurchaseOrder, f.Movement, f.EntryDate, f.InvoiceFolio,
		f.ItemCode, f.Item, decimalText(f.Quantity), decimalText(f.UnitPrice),
		decimalText(f.Amount), f.Funding, f.FolioRB, row.Fingerprint, batch,
	}
}

// Insert stores row unless its fingerprint already exists. inserted is false
// for a duplicate, in which case id is zero.
func (r *Repository) Insert(ctx context.Context, batch string, row Row) (id int64, inserted bool, err error) {
	err = r.db.QueryRow(ctx, insertEntrySQL, insertArgs(batch, row)...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("landing: insert entry: %w", err)
	}
	return id, true, nil
}

// InsertMany pipelines the inserts of rows in one round trip.
func (r *Repository) InsertMany(ctx context.Context, batch string, rows []Row) ([]IngestResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(insertEntrySQL, insertArgs(batch, row)...)
	}
	br := r.db.SendBatch(ctx, b)
	defer br.Close()

	results := make([]IngestResult, 0, len(rows))
	for _, row := range rows {
		res := IngestResult{Fingerprint: row.Fingerprint, Status: IngestInserted}
		err := br.QueryRow().Scan(&res.ID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Status = IngestDuplicate
		case err != nil:
			return nil, fmt.Errorf("landing: insert entry: %w", err)
		}
		results = append(results, res)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("landing: close batch: %w", err)
	}
	return results, nil
}

// Get loads a row by id.
func (r *Repository) Get(ctx context.Context, id int64) (RawEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM tbl_entradas_raw WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return RawEntry{}, ErrNotFound
	}
	return entry, err
}

// ListByFolio returns every row stamped with folio, oldest first.
func (r *Repository) ListByFolio(ctx context.Context, folio string) ([]RawEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM tbl_entradas_raw WHERE folio_rb = $1 ORDER BY fecha_ingesta, id`, folio)
	if err != nil {
		return nil, fmt.Errorf("landing: list by folio: %w", err)
	}
	return collectEntries(rows)
}

// Pending lists unprocessed rows. Rows of filter.PurchaseOrder come first.
func (r *Repository) Pending(ctx context.Context, filter PendingFilter) ([]RawEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+`
		FROM tbl_entradas_raw
		WHERE procesado = FALSE
		  AND ($2::bigint IS NULL OR div = $2)
		ORDER BY CASE WHEN $1::bigint IS NOT NULL AND orden_compra = $1 THEN 0 ELSE 1 END,
		         fecha_ingesta, id
		LIMIT $3`, filter.PurchaseOrder, filter.Division, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("landing: pending: %w", err)
	}
	return collectEntries(rows)
}

// ClaimNext claims the oldest available row together with its pending siblings
// sharing the same folio. Only the oldest pending row of a folio can start a
// claim, so two claimers never split one folio between them. Locked rows are
// skipped, so concurrent claimers never wait on each other and never receive
// the same row. An empty result means the queue has nothing available.
func (r *Repository) ClaimNext(ctx context.Context, req ClaimRequest) ([]RawEntry, error) {
	rows, err := r.db.Query(ctx, `WITH candidate AS (
			SELECT t.id, t.folio_rb FROM tbl_entradas_raw t
			WHERE t.procesado = FALSE
			  AND (t.lease_expira IS NULL OR t.lease_expira < now())
			  AND ($4::bigint IS NULL OR t.div = $4)
			  AND NOT EXISTS (
				SELECT 1 FROM tbl_entradas_raw o
				WHERE o.folio_rb = t.folio_rb
				  AND o.procesado = FALSE
				  AND (o.fecha_ingesta, o.id) < (t.fecha_ingesta, t.id)
			  )
			ORDER BY CASE WHEN $3::bigint IS NOT NULL AND t.orden_compra = $3 THEN 0 ELSE 1 END,
			         t.fecha_ingesta, t.id
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED
		), siblings AS (
			SELECT s.id FROM tbl_entradas_raw s
			JOIN candidate c ON s.folio_rb = c.folio_rb AND s.id <> c.id
			WHERE s.procesado = FALSE
			  AND (s.claim_token IS NULL OR s.lease_expira < now())
			FOR UPDATE OF s SKIP LOCKED
		)
		UPDATE tbl_entradas_raw
		SET claim_token = $1::text::uuid,
		    lease_expira = now() + make_interval(secs => $2::double precision),
		    intentos = intentos + 1
		WHERE id IN (SELECT id FROM candidate UNION SELECT id FROM siblings)
		RETURNING `+entryColumns,
		req.Token.String(), req.Lease.Seconds(), req.Filter.PurchaseOrder, req.Filter.Division)
	if err != nil {
		return nil, fmt.Errorf("landing: claim next: %w", err)
	}
	return collectEntries(rows)
}

// ClaimFolio claims the pending rows of one folio. The claim goes through the
// folio's oldest pending row: when that row is locked or under another live
// claim nothing is returned. Rows released with a recheck delay are claimable
// immediately.
func (r *Repository) ClaimFolio(ctx context.Context, folio string, req ClaimRequest) ([]RawEntry, error) {
	rows, err := r.db.Query(ctx, `WITH head AS (
			SELECT id, claim_token, lease_expira FROM tbl_entradas_raw
			WHERE folio_rb = $3 AND procesado = FALSE
			ORDER BY fecha_ingesta, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		), claimable AS (
			SELECT s.id FROM tbl_entradas_raw s
			JOIN head h ON h.claim_token IS NULL OR h.lease_expira < now()
			WHERE s.folio_rb = $3
			  AND s.procesado = FALSE
			  AND (s.claim_token IS NULL OR s.lease_expira < now())
			FOR UPDATE OF s SKIP LOCKED
		)
		UPDATE tbl_entradas_raw
		SET claim_token = $1::text::uuid,
		    lease_expira = now() + make_interval(secs => $2::double precision),
		    intentos = intentos + 1
		WHERE id IN (SELECT id FROM claimable)
		RETURNING `+entryColumns,
		req.Token.String(), req.Lease.Seconds(), folio)
	if err != nil {
		return nil, fmt.Errorf("landing: claim folio: %w", err)
	}
	return collectEntries(rows)
}

// LockFolio takes a transaction-scoped advisory lock on folio. It only makes
// sense on a repository bound to a transaction.
func (r *Repository) LockFolio(ctx context.Context, folio string) error {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, folio); err != nil {
		return fmt.Errorf("landing: lock folio: %w", err)
	}
	return nil
}

// Release returns claimed rows to the queue. A non-zero availableAt keeps
// them out of ClaimNext until that instant.
func (r *Repository) Release(ctx context.Context, ids []int64, token uuid.UUID, availableAt time.Time) (int64, error) {
	var notBefore *time.Time
	if !availableAt.IsZero() {
		notBefore = &availableAt
	}
	tag, err := r.db.Exec(ctx, `UPDATE tbl_entradas_raw
		SET claim_token = NULL, lease_expira = $3
		WHERE id = ANY($1::bigint[]) AND claim_token = $2::text::uuid AND procesado = FALSE`,
		ids, token.String(), notBefore)
	if err != nil {
		return 0, fmt.Errorf("landing: release: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkProcessed flips the rows to processed. Every id must be pending and
// claimed by token with a live lease, otherwise nothing is updated by the
// caller's transaction and the first failing condition is reported.
func (r *Repository) MarkProcessed(ctx context.Context, token uuid.UUID, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE tbl_entradas_raw
		SET procesado = TRUE, procesado_at = now(), claim_token = NULL, lease_expira = NULL
		WHERE id = ANY($1::bigint[])
		  AND procesado = FALSE
		  AND claim_token = $2::text::uuid
		  AND lease_expira >= now()`, ids, token.String())
	if err != nil {
		return fmt.Errorf("landing: mark processed: %w", err)
	}
	if tag.RowsAffected() == int64(len(ids)) {
		return nil
	}
	return r.explainMarkFailure(ctx, ids)
}

func (r *Repository) explainMarkFailure(ctx context.Context, ids []int64) error {
	rows, err := r.db.Query(ctx, `SELECT id, procesado FROM tbl_entradas_raw WHERE id = ANY($1::bigint[])`, ids)
	if err != nil {
		return fmt.Errorf("landing: mark processed: %w", err)
	}
	defer rows.Close()
	seen := make(map[int64]bool, len(ids))
	processed := false
	for rows.Next() {
		var id int64
		var done bool
		if err := rows.Scan(&id, &done); err != nil {
			return fmt.Errorf("landing: mark processed: %w", err)
		}
		seen[id] = true
		processed = processed || done
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("landing: mark processed: %w", err)
	}
	for _, id := range ids {
		if !seen[id] {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
	}
	if processed {
		return ErrAlreadyProcessed
	}
	return ErrLeaseExpired
}

// SweepExpiredLeases clears claims whose lease lapsed and returns the row ids.
func (r *Repository) SweepExpiredLeases(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `UPDATE tbl_entradas_raw
		SET claim_token = NULL, lease_expira = NULL
		WHERE procesado = FALSE AND claim_token IS NOT NULL AND lease_expira < now()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("landing: sweep leases: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("landing: sweep leases: %w", err)
	}
	return ids, nil
}

// Stats counts the landing zone by queue state.
func (r *Repository) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := r.db.QueryRow(ctx, `SELECT
			count(*),
			count(*) FILTER (WHERE NOT procesado),
			count(*) FILTER (WHERE NOT procesado AND claim_token IS NOT NULL AND lease_expira >= now()),
			count(*) FILTER (WHERE procesado),
			min(fecha_ingesta) FILTER (WHERE NOT procesado)
		FROM tbl_entradas_raw`).Scan(&stats.Total, &stats.Pending, &stats.InFlight, &stats.Processed, &stats.OldestPending)
	if err != nil {
		return QueueStats{}, fmt.Errorf("landing: stats: %w", err)
	}
	return stats, nil
}

func collectEntries(rows pgx.Rows) ([]RawEntry, error) {
	defer rows.Close()
	var out []RawEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("landing: read rows: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (RawEntry, error) {
	var (
		e                       RawEntry
		div, mov                *int32
		qty, price, amount, tok *string
	)
	err := row.Scan(
		&e.ID, &div, &e.Fields.Supplier, &e.Fields.PurchaseOrder, &mov, &e.Fields.EntryDate,
		&e.Fields.InvoiceFolio, &e.Fields.ItemCode, &e.Fields.Item, &qty, &price, &amount,
		&e.Fields.Funding, &e.Fields.FolioRB, &e.Fingerprint, &e.Batch, &e.Processed,
		&e.ProcessedAt, &tok, &e.LeaseExpiresAt, &e.Attempts, &e.IngestedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RawEntry{}, err
		}
		return RawEntry{}, fmt.Errorf("landing: scan entry: %w", err)
	}
	e.Fields.Division = widen(div)
	e.Fields.Movement = widen(mov)
	if e.Fields.Quantity, err = parseDecimal(qty); err != nil {
		return RawEntry{}, err
	}
	if e.Fields.UnitPrice, err = parseDecimal(price); err != nil {
		return RawEntry{}, err
	}
	if e.Fields.Amount, err = parseDecimal(amount); err != nil {
		return RawEntry{}, err
	}
	if tok != nil {
		parsed, err := uuid.Parse(*tok)
		if err != nil {
			return RawEntry{}, fmt.Errorf("landing: claim token: %w", err)
		}
		e.ClaimToken = &parsed
	}
	return e, nil
}

func widen(v *int32) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("landing: decimal %q: %w", *s, err)
	}
	return &d, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
