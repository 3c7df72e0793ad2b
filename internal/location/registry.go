package location

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/saf-gda/saf-gda/internal/shared"
)

// RepositoryPort abstracts repository usage for the registry.
type RepositoryPort interface {
	Allocate(ctx context.Context, id int64, count int) (Unit, error)
	Release(ctx context.Context, id int64, count int) (Unit, error)
	Get(ctx context.Context, id int64) (Unit, error)
	FindByFolioNumber(ctx context.Context, n int64) (Unit, error)
	List(ctx context.Context) ([]Unit, error)
	Create(ctx context.Context, u Unit) (Unit, error)
	Upsert(ctx context.Context, units []Unit) ([]Unit, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Registry tracks physical units and their occupancy. Occupancy only moves
// through Allocate and Release.
type Registry struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewRegistry builds Registry.
func NewRegistry(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, audit: audit, logger: logger}
}

// Allocate reserves count slots on unit id. A zero count means one.
func (r *Registry) Allocate(ctx context.Context, id int64, count int) (Unit, error) {
	n, err := normalizeCount(count)
	if err != nil {
		return Unit{}, err
	}
	unit, err := r.repo.Allocate(ctx, id, n)
	if err != nil {
		return Unit{}, err
	}
	r.logger.DebugContext(ctx, "location allocated", slog.Int64("ubicacion_id", id), slog.Int("count", n), slog.Int("ocupacion", unit.Occupancy))
	return unit, nil
}

// Release frees count slots on unit id. A zero count means one.
func (r *Registry) Release(ctx context.Context, id int64, count int) (Unit, error) {
	n, err := normalizeCount(count)
	if err != nil {
		return Unit{}, err
	}
	return r.repo.Release(ctx, id, n)
}

// Resolve finds the unit that physically stores folio.
func (r *Registry) Resolve(ctx context.Context, folio string) (Unit, error) {
	n, ok := FolioNumber(folio)
	if !ok {
		return Unit{}, fmt.Errorf("%w: folio %q has no number", ErrNotFound, folio)
	}
	return r.repo.FindByFolioNumber(ctx, n)
}

// Get returns a unit.
func (r *Registry) Get(ctx context.Context, id int64) (Unit, error) {
	return r.repo.Get(ctx, id)
}

// List returns every unit.
func (r *Registry) List(ctx context.Context) ([]Unit, error) {
	return r.repo.List(ctx)
}

// Create registers a unit.
func (r *Registry) Create(ctx context.Context, u Unit) (Unit, error) {
	if err := validateUnits([]Unit{u}); err != nil {
		return Unit{}, err
	}
	return r.repo.Create(ctx, u)
}

// ApplyTopology upserts units by building, furniture and container.
func (r *Registry) ApplyTopology(ctx context.Context, units []Unit) ([]Unit, error) {
	if err := validateUnits(units); err != nil {
		return nil, err
	}
	out, err := r.repo.Upsert(ctx, units)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "topology applied", slog.Int("units", len(out)))
	if r.audit != nil {
		buildings := map[string]struct{}{}
		for _, u := range out {
			buildings[u.Building] = struct{}{}
		}
		names := make([]string, 0, len(buildings))
		for b := range buildings {
			names = append(names, b)
		}
		err := r.audit.Record(ctx, shared.AuditLog{
			Actor:    shared.ActorFromContext(ctx),
			Action:   shared.ActionTopologyApplied,
			Entity:   shared.EntityLocation,
			EntityID: strings.Join(names, ","),
			Meta:     map[string]any{"units": len(out)},
		})
		if err != nil {
			r.logger.WarnContext(ctx, "custody log failed", slog.Any("error", err))
		}
	}
	return out, nil
}

func normalizeCount(count int) (int, error) {
	switch {
	case count == 0:
		return 1, nil
	case count < 0:
		return 0, ErrInvalidCount
	default:
		return count, nil
	}
}
