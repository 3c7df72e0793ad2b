package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/saf-gda/saf-gda/internal/platform/db"
)

// Repository persists the physical topology in PostgreSQL.
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

const unitColumns = `id, edificio, mueble, contenedor, rango_folios, folio_inicio, folio_fin,
	capacidad_max, ocupacion_actual, created_at, updated_at`

// Allocate reserves count slots. The conditional update takes the row lock,
// so concurrent allocations on one unit serialise and can never overshoot.
func (r *Repository) Allocate(ctx context.Context, id int64, count int) (Unit, error) {
	unit, err := scanUnit(r.db.QueryRow(ctx, `UPDATE ubicaciones_fisicas
		SET ocupacion_actual = ocupacion_actual + $2, updated_at = now()
		WHERE id = $1 AND ocupacion_actual + $2 <= capacidad_max
		RETURNING `+unitColumns, id, count))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return Unit{}, getErr
		}
		return Unit{}, ErrCapacityExceeded
	}
	if err != nil {
		return Unit{}, fmt.Errorf("location: allocate: %w", err)
	}
	return unit, nil
}

// Release frees count slots, never going below zero.
func (r *Repository) Release(ctx context.Context, id int64, count int) (Unit, error) {
	unit, err := scanUnit(r.db.QueryRow(ctx, `UPDATE ubicaciones_fisicas
		SET ocupacion_actual = GREATEST(ocupacion_actual - $2, 0), updated_at = now()
		WHERE id = $1
		RETURNING `+unitColumns, id, count))
	if errors.Is(err, pgx.ErrNoRows) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, fmt.Errorf("location: release: %w", err)
	}
	return unit, nil
}

// Get loads a unit by id.
func (r *Repository) Get(ctx context.Context, id int64) (Unit, error) {
	unit, err := scanUnit(r.db.QueryRow(ctx, `SELECT `+unitColumns+` FROM ubicaciones_fisicas WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, fmt.Errorf("location: get: %w", err)
	}
	return unit, nil
}

// FindByFolioNumber returns the first unit whose bounds contain n.
func (r *Repository) FindByFolioNumber(ctx context.Context, n int64) (Unit, error) {
	unit, err := scanUnit(r.db.QueryRow(ctx, `SELECT `+unitColumns+`
		FROM ubicaciones_fisicas
		WHERE folio_inicio <= $1 AND folio_fin >= $1
		ORDER BY id
		LIMIT 1`, n))
	if errors.Is(err, pgx.ErrNoRows) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, fmt.Errorf("location: resolve: %w", err)
	}
	return unit, nil
}

// List returns every unit ordered by building, furniture and container.
func (r *Repository) List(ctx context.Context) ([]Unit, error) {
	rows, err := r.db.Query(ctx, `SELECT `+unitColumns+` FROM ubicaciones_fisicas ORDER BY edificio, mueble, contenedor`)
	if err != nil {
		return nil, fmt.Errorf("location: list: %w", err)
	}
	defer rows.Close()
	var out []Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("location: list: %w", err)
		}
		out = append(out, unit)
	}
	return out, rows.Err()
}

// Create inserts a new unit with zero occupancy.
func (r *Repository) Create(ctx context.Context, u Unit) (Unit, error) {
	unit, err := scanUnit(r.db.QueryRow(ctx, `INSERT INTO ubicaciones_fisicas
		(edificio, mueble, contenedor, rango_folios, folio_inicio, folio_fin, capacidad_max)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+unitColumns,
		u.Building, u.Furniture, u.Container, u.FolioRange, u.FolioStart, u.FolioEnd, u.Capacity))
	if err != nil {
		return Unit{}, fmt.Errorf("location: create: %w", err)
	}
	return unit, nil
}

// Upsert inserts units or updates their bounds and capacity by natural key.
// Occupancy is never written here.
func (r *Repository) Upsert(ctx context.Context, units []Unit) ([]Unit, error) {
	b := &pgx.Batch{}
	for _, u := range units {
		b.Queue(`INSERT INTO ubicaciones_fisicas
			(edificio, mueble, contenedor, rango_folios, folio_inicio, folio_fin, capacidad_max)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (edificio, mueble, contenedor) DO UPDATE SET
				rango_folios = EXCLUDED.rango_folios,
				folio_inicio = EXCLUDED.folio_inicio,
				folio_fin = EXCLUDED.folio_fin,
				capacidad_max = EXCLUDED.capacidad_max,
				updated_at = now()
			RETURNING `+unitColumns,
			u.Building, u.Furniture, u.Container, u.FolioRange, u.FolioStart, u.FolioEnd, u.Capacity)
	}
	br := r.db.SendBatch(ctx, b)
	defer br.Close()
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		unit, err := scanUnit(br.QueryRow())
		if err != nil {
			return nil, fmt.Errorf("location: upsert %s/%s/%s: %w", u.Building, u.Furniture, u.Container, err)
		}
		out = append(out, unit)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("location: upsert: %w", err)
	}
	return out, nil
}

func scanUnit(row pgx.Row) (Unit, error) {
	var (
		u                   Unit
		capacity, occupancy int32
	)
	err := row.Scan(&u.ID, &u.Building, &u.Furniture, &u.Container, &u.FolioRange, &u.FolioStart,
		&u.FolioEnd, &capacity, &occupancy, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return Unit{}, err
	}
	u.Capacity = int(capacity)
	u.Occupancy = int(occupancy)
	return u, nil
}
