//go:build integration

package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/fingerprint"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/platform/db"
	"github.com/saf-gda/saf-gda/internal/reconcile"
	"github.com/saf-gda/saf-gda/internal/scan"
	"github.com/saf-gda/saf-gda/internal/shared"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("saf"),
		tcpostgres.WithUsername("saf"),
		tcpostgres.WithPassword("saf"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.Migrate(ctx, pool)
	require.NoError(t, err)
	return pool
}

// fixedExtractor answers every folio with the fiscal UUID registered for it.
type fixedExtractor struct {
	mu    sync.Mutex
	uuids map[string]string
}

func (f *fixedExtractor) Extract(_ context.Context, folio string, _ scan.Object) (scan.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.uuids[folio]
	if !ok {
		return scan.Extraction{OK: false, Error: "unreadable"}, nil
	}
	return scan.Extraction{OK: true, FiscalUUID: id, HashFinal: fingerprint.Bytes([]byte("final " + folio))}, nil
}

func ptr[T any](v T) *T { return &v }

func entry(folio string, po int64, amount string) landing.Fields {
	d := decimal.RequireFromString(amount)
	return landing.Fields{
		Division:      ptr(int64(1)),
		PurchaseOrder: ptr(po),
		Item:          ptr("papel bond"),
		Quantity:      ptr(decimal.NewFromInt(1)),
		UnitPrice:     &d,
		FolioRB:       ptr(folio),
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	svc := landing.NewService(landing.NewRepository(pool), shared.NewAuditLogger(pool), nil, landing.ServiceConfig{ChunkSize: 2}, nil)

	rows := []landing.Fields{entry("RB-000001", 10, "100.00"), entry("RB-000002", 11, "50.00"), entry("RB-000003", 12, "75.50")}
	first, err := svc.IngestBatch(ctx, "lote-1", rows)
	require.NoError(t, err)
	require.Equal(t, 3, first.Inserted)

	again, err := svc.IngestBatch(ctx, "lote-2", rows)
	require.NoError(t, err)
	require.Zero(t, again.Inserted)
	require.Equal(t, 3, again.Duplicates)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Total)
}

func TestClaimIsExclusive(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := landing.NewRepository(pool)
	svc := landing.NewService(repo, nil, nil, landing.ServiceConfig{}, nil)
	_, err := svc.IngestBatch(ctx, "lote", []landing.Fields{entry("RB-000001", 10, "1.00"), entry("RB-000001", 10, "2.00")})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		claimed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := repo.ClaimNext(ctx, landing.ClaimRequest{Token: uuid.New(), Lease: time.Minute})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if len(rows) > 0 {
				winners++
				claimed += len(rows)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
	require.Equal(t, 2, claimed)
}

func TestAllocationNeverExceedsCapacity(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := location.NewRepository(pool)
	unit, err := repo.Create(ctx, location.Unit{Building: "A", Furniture: "M1", Container: "C1", Capacity: 3})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Allocate(ctx, unit.ID, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, location.ErrCapacityExceeded):
				full++
			default:
				t.Errorf("allocate: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 3, ok)
	require.Equal(t, 7, full)

	got, err := repo.Get(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Occupancy)
}

func TestUniqueIndexArbitratesSharedFiscalUUID(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	audit := shared.NewAuditLogger(pool)
	landingRepo := landing.NewRepository(pool)
	locRepo := location.NewRepository(pool)
	registry := location.NewRegistry(locRepo, audit, nil)

	_, err := registry.ApplyTopology(ctx, []location.Unit{{
		Building: "A", Furniture: "M1", Container: "C1",
		FolioStart: ptr(int64(1)), FolioEnd: ptr(int64(999)), Capacity: 10,
	}})
	require.NoError(t, err)

	svc := landing.NewService(landingRepo, audit, nil, landing.ServiceConfig{}, nil)
	_, err = svc.IngestBatch(ctx, "lote", []landing.Fields{
		entry("RB-000001", 10, "100.00"),
		entry("RB-000002", 11, "100.00"),
		entry("RB-000003", 12, "40.00"),
	})
	require.NoError(t, err)

	dir := t.TempDir()
	for _, folio := range []string{"RB-000001", "RB-000002", "RB-000003"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, folio+".pdf"), []byte("scan "+folio), 0o600))
	}
	fiscalUUID := "6F0C1E2A-1B2C-4D5E-8F90-A1B2C3D4E5F6"
	extractor := &fixedExtractor{uuids: map[string]string{
		"RB-000001": fiscalUUID,
		"RB-000002": fiscalUUID,
		"RB-000003": "0A1B2C3D-4E5F-4A6B-8C7D-9E0F1A2B3C4D",
	}}

	engine := reconcile.NewEngine(
		landingRepo,
		registry,
		scan.Source{Store: scan.NewFSStore(dir), Extractor: extractor},
		reconcile.NewPgStore(pool),
		audit,
		nil,
		reconcile.Config{Lease: time.Minute, Series: "A"},
		nil,
	)

	report, err := engine.Drain(ctx, reconcile.DrainOptions{Max: 10, Concurrency: 3})
	require.NoError(t, err)
	require.Equal(t, 3, report.Attempts)
	require.Equal(t, 2, report.Conciliated)
	require.Equal(t, 1, report.Incidences)

	docs := documents.NewRepository(pool)
	certified, err := docs.GetByUUID(ctx, fiscalUUID)
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, certified.Status)

	var incidences int
	for _, folio := range []string{"RB-000001", "RB-000002"} {
		list, err := docs.ListByFolio(ctx, folio)
		require.NoError(t, err)
		for _, d := range list {
			if d.Status == documents.StatusIncidence {
				incidences++
				require.Equal(t, documents.ReasonDuplicateUUID, d.Reason, fmt.Sprintf("folio %s", folio))
			}
		}
	}
	require.Equal(t, 1, incidences)

	unit, err := registry.Resolve(ctx, "RB-000001")
	require.NoError(t, err)
	require.Equal(t, 2, unit.Occupancy)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
}
