package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/saf-gda/saf-gda/internal/platform/db"
)

const (
	indexUUID  = "ux_documentos_uuid_sat"
	indexFolio = "ux_documentos_folio_conciliado"
)

// Repository persists the reconciled master in PostgreSQL.
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

const documentColumns = `id::text, folio_rb, uuid_sat, uuid_sat_extraido, rfc_emisor,
	razon_social_emisor, monto_total::text, fecha_emision, ubicacion_id, serie_documental,
	hash_original, hash_final, estatus, motivo, notas_auditor, lote_origen, entradas,
	created_at, updated_at`

// Insert stores doc. Unique index violations surface as ErrDuplicateUUID or
// ErrDuplicateFolio so the caller can turn a lost race into an incidence.
func (r *Repository) Insert(ctx context.Context, doc Document) (Document, error) {
	var total *string
	if doc.Total != nil {
		s := doc.Total.String()
		total = &s
	}
	entries := doc.Entries
	if entries == nil {
		entries = []int64{}
	}
	out, err := scanDocument(r.db.QueryRow(ctx, `INSERT INTO documentos_maestros (
			id, folio_rb, uuid_sat, uuid_sat_extraido, rfc_emisor, razon_social_emisor,
			monto_total, fecha_emision, ubicacion_id, serie_documental, hash_original,
			hash_final, estatus, motivo, notas_auditor, lote_origen, entradas
		) VALUES (
			$1::text::uuid, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)
		RETURNING `+documentColumns,
		doc.ID.String(), nullString(doc.FolioRB), nullString(normalizeUUID(doc.UUIDSAT)), nullString(normalizeUUID(doc.ExtractedUUID)),
		nullString(doc.IssuerRFC), nullString(doc.IssuerName), total, doc.IssuedAt, doc.LocationID,
		doc.Series, nullString(strings.ToLower(doc.HashOriginal)), nullString(strings.ToLower(doc.HashFinal)),
		string(doc.Status), string(doc.Reason), doc.Notes, doc.Batch, entries))
	if err != nil {
		return Document{}, mapUnique(fmt.Errorf("documents: insert: %w", err))
	}
	return out, nil
}

func mapUnique(err error) error {
	name, ok := db.UniqueViolation(err)
	if !ok {
		return err
	}
	switch name {
	case indexUUID:
		return fmt.Errorf("%w: %w", ErrDuplicateUUID, err)
	case indexFolio:
		return fmt.Errorf("%w: %w", ErrDuplicateFolio, err)
	}
	return err
}

// Get loads a document by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return r.getOne(ctx, `SELECT `+documentColumns+` FROM documentos_maestros WHERE id = $1::text::uuid`, id.String())
}

// GetForUpdate loads and row-locks a document inside the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	return r.getOne(ctx, `SELECT `+documentColumns+` FROM documentos_maestros WHERE id = $1::text::uuid FOR UPDATE`, id.String())
}

// GetByUUID loads the document bound to a fiscal UUID.
func (r *Repository) GetByUUID(ctx context.Context, fiscalUUID string) (Document, error) {
	return r.getOne(ctx, `SELECT `+documentColumns+` FROM documentos_maestros WHERE uuid_sat = $1`, normalizeUUID(fiscalUUID))
}

// FindConciliado returns a CONCILIADO document holding either the fiscal UUID
// or the folio, ErrNotFound when both are free.
func (r *Repository) FindConciliado(ctx context.Context, fiscalUUID, folio string) (Document, error) {
	return r.getOne(ctx, `SELECT `+documentColumns+`
		FROM documentos_maestros
		WHERE (uuid_sat = $1 AND $1 <> '') OR (folio_rb = $2 AND estatus = 'CONCILIADO')
		ORDER BY created_at
		LIMIT 1`, normalizeUUID(fiscalUUID), folio)
}

// ListByFolio returns every document recorded for a folio, oldest first.
func (r *Repository) ListByFolio(ctx context.Context, folio string) ([]Document, error) {
	rows, err := r.db.Query(ctx, `SELECT `+documentColumns+` FROM documentos_maestros WHERE folio_rb = $1 ORDER BY created_at`, folio)
	if err != nil {
		return nil, fmt.Errorf("documents: list by folio: %w", err)
	}
	return collectDocuments(rows)
}

// List returns a filtered page of documents and the total match count.
func (r *Repository) List(ctx context.Context, f Filter) ([]Document, int, error) {
	where := `WHERE ($1 = '' OR estatus = $1)
		AND ($2 = '' OR motivo = $2)
		AND ($3 = '' OR lote_origen = $3)
		AND ($4 = '' OR folio_rb = $4)`
	args := []any{string(f.Status), string(f.Reason), f.Batch, f.Folio}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM documentos_maestros `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("documents: count: %w", err)
	}
	rows, err := r.db.Query(ctx, `SELECT `+documentColumns+` FROM documentos_maestros `+where+`
		ORDER BY created_at DESC, id
		LIMIT $5 OFFSET $6`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("documents: list: %w", err)
	}
	docs, err := collectDocuments(rows)
	return docs, total, err
}

// AppendNote appends a line to the auditor notes.
func (r *Repository) AppendNote(ctx context.Context, id uuid.UUID, line string) (Document, error) {
	return r.getOne(ctx, `UPDATE documentos_maestros
		SET notas_auditor = CASE WHEN notas_auditor = '' THEN $2 ELSE notas_auditor || E'\n' || $2 END,
		    updated_at = now()
		WHERE id = $1::text::uuid
		RETURNING `+documentColumns, id.String(), line)
}

// UpdateStatus moves a document to a new status. Binding a fiscal UUID or a
// certified folio that is already taken fails with the duplicate errors.
func (r *Repository) UpdateStatus(ctx context.Context, u StatusUpdate) (Document, error) {
	doc, err := r.getOne(ctx, `UPDATE documentos_maestros
		SET estatus = $2, motivo = $3, uuid_sat = $4, ubicacion_id = COALESCE($5, ubicacion_id), updated_at = now()
		WHERE id = $1::text::uuid
		RETURNING `+documentColumns,
		u.ID.String(), string(u.Status), string(u.Reason), nullString(normalizeUUID(u.UUIDSAT)), u.LocationID)
	if err != nil {
		return Document{}, mapUnique(err)
	}
	return doc, nil
}

func (r *Repository) getOne(ctx context.Context, sql string, args ...any) (Document, error) {
	doc, err := scanDocument(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("documents: query: %w", err)
	}
	return doc, nil
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()
	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("documents: scan: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		d                                          Document
		id, status, reason                         string
		folio, fiscal, extracted, rfc, name, total *string
		hashOriginal, hashFinal                    *string
		issued                                     *time.Time
	)
	err := row.Scan(&id, &folio, &fiscal, &extracted, &rfc, &name, &total, &issued, &d.LocationID,
		&d.Series, &hashOriginal, &hashFinal, &status, &reason, &d.Notes, &d.Batch, &d.Entries,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return Document{}, err
	}
	d.FolioRB = deref(folio)
	d.UUIDSAT = deref(fiscal)
	d.ExtractedUUID = deref(extracted)
	d.IssuerRFC = deref(rfc)
	d.IssuerName = deref(name)
	d.HashOriginal = strings.TrimSpace(deref(hashOriginal))
	d.HashFinal = strings.TrimSpace(deref(hashFinal))
	d.IssuedAt = issued
	d.Status = Status(status)
	d.Reason = Reason(reason)
	if total != nil {
		v, err := decimal.NewFromString(*total)
		if err != nil {
			return Document{}, err
		}
		d.Total = &v
	}
	return d, nil
}

// normalizeUUID renders a fiscal UUID in its canonical upper-case form.
func normalizeUUID(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
