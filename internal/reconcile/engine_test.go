package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/scan"
	"github.com/saf-gda/saf-gda/internal/shared"
)

func newTestEngine(w *world, cfg Config) (*Engine, *countingMetrics) {
	metrics := &countingMetrics{}
	engine := NewEngine(w, w, w, w, w, metrics, cfg, nil)
	engine.now = w.now
	return engine, metrics
}

func fiscalUUID() string {
	return strings.ToUpper(uuid.NewString())
}

func TestProcessNextConciliatesFolioGroup(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(5, 1, 100)
	first := w.addEntry("RB-000010", 4500123, "100.00", time.Hour)
	second := w.addEntry("RB-000010", 4500123, "50.50", time.Hour)
	fiscal := fiscalUUID()
	w.addScan("RB-000010", fiscal)

	engine, metrics := newTestEngine(w, Config{Series: "CONTABLE"})
	out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, out.Status)
	require.Empty(t, out.Reason)
	require.ElementsMatch(t, []int64{first, second}, out.Entries)
	require.NotNil(t, out.DocumentID)

	doc := w.document(*out.DocumentID)
	require.Equal(t, fiscal, doc.UUIDSAT)
	require.Equal(t, fiscal, doc.ExtractedUUID)
	require.Equal(t, "RB-000010", doc.FolioRB)
	require.Equal(t, "CONTABLE", doc.Series)
	require.Equal(t, "lote-test", doc.Batch)
	require.NotNil(t, doc.LocationID)
	require.Equal(t, unitID, *doc.LocationID)

	require.True(t, w.entry(first).Processed)
	require.True(t, w.entry(second).Processed)
	require.Nil(t, w.entry(first).ClaimToken)
	require.Equal(t, 1, w.unit(unitID).Occupancy)
	require.Contains(t, w.custodyActions(), shared.ActionConciliated)
	require.Equal(t, 1, metrics.outcomes["CONCILIADO/"])

	_, err = engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.ErrorIs(t, err, ErrNoWork)
}

func TestProcessNextIncidenceReasons(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(w *world)
		reason documents.Reason
	}{
		{
			name: "missing folio",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.addEntry("", 1, "", 0)
			},
			reason: documents.ReasonMissingFolio,
		},
		{
			name: "extraction failed",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.addEntry("RB-000020", 1, "", 0)
				res := w.addScan("RB-000020", fiscalUUID())
				res.Extraction.OK = false
				res.Extraction.Error = "unreadable"
				w.setScan("RB-000020", res)
			},
			reason: documents.ReasonExtractionFailed,
		},
		{
			name: "malformed fiscal uuid",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.addEntry("RB-000021", 1, "", 0)
				w.addScan("RB-000021", "NOT-A-UUID")
			},
			reason: documents.ReasonExtractionFailed,
		},
		{
			name: "hash original differs from stored scan",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.addEntry("RB-000030", 1, "", 0)
				res := w.addScan("RB-000030", fiscalUUID())
				res.Extraction.HashOriginal = strings.Repeat("a", 64)
				w.setScan("RB-000030", res)
			},
			reason: documents.ReasonHashMismatch,
		},
		{
			name: "hash final missing",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.addEntry("RB-000031", 1, "", 0)
				res := w.addScan("RB-000031", fiscalUUID())
				res.Extraction.HashFinal = ""
				w.setScan("RB-000031", res)
			},
			reason: documents.ReasonHashMismatch,
		},
		{
			name: "no location",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.addEntry("RB-000500", 1, "", 0)
				w.addScan("RB-000500", fiscalUUID())
			},
			reason: documents.ReasonNoLocation,
		},
		{
			name: "capacity exceeded",
			setup: func(w *world) {
				w.addUnit(0, 1, 100)
				w.addEntry("RB-000040", 1, "", 0)
				w.addScan("RB-000040", fiscalUUID())
			},
			reason: documents.ReasonCapacityExceeded,
		},
		{
			name: "fiscal uuid already certified",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				fiscal := fiscalUUID()
				w.docs = append(w.docs, documents.Document{ID: uuid.New(), FolioRB: "RB-000001", UUIDSAT: fiscal, Status: documents.StatusConciliated})
				w.addEntry("RB-000050", 1, "", 0)
				w.addScan("RB-000050", fiscal)
			},
			reason: documents.ReasonDuplicateUUID,
		},
		{
			name: "folio already certified",
			setup: func(w *world) {
				w.addUnit(5, 1, 100)
				w.docs = append(w.docs, documents.Document{ID: uuid.New(), FolioRB: "RB-000060", UUIDSAT: fiscalUUID(), Status: documents.StatusConciliated})
				w.addEntry("RB-000060", 1, "", 0)
				w.addScan("RB-000060", fiscalUUID())
			},
			reason: documents.ReasonDuplicateFolio,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld()
			tc.setup(w)
			engine, metrics := newTestEngine(w, Config{})

			out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
			require.NoError(t, err)
			require.Equal(t, documents.StatusIncidence, out.Status)
			require.Equal(t, tc.reason, out.Reason)
			require.Equal(t, 1, metrics.outcomes["INCIDENCIA/"+string(tc.reason)])

			doc := w.document(*out.DocumentID)
			require.Equal(t, tc.reason, doc.Reason)
			require.Empty(t, doc.UUIDSAT)
			require.Nil(t, doc.LocationID)
			require.NotEmpty(t, doc.Notes)
			for _, id := range out.Entries {
				require.True(t, w.entry(id).Processed)
			}
			for _, u := range w.units {
				require.Zero(t, u.Occupancy)
			}
			require.Contains(t, w.custodyActions(), shared.ActionIncidence)
		})
	}
}

func TestMissingScanReleasesWithRecheckDelay(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	id := w.addEntry("RB-000070", 1, "", time.Minute)
	engine, _ := newTestEngine(w, Config{RecheckInterval: 10 * time.Minute})
	ctx := context.Background()

	out, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusPending, out.Status)
	require.Nil(t, out.DocumentID)

	entry := w.entry(id)
	require.False(t, entry.Processed)
	require.Nil(t, entry.ClaimToken)
	require.NotNil(t, entry.LeaseExpiresAt)
	require.Equal(t, w.now().Add(10*time.Minute), *entry.LeaseExpiresAt)
	require.Contains(t, w.custodyActions(), shared.ActionReleased)
	require.Empty(t, w.documents())

	_, err = engine.ProcessNext(ctx, landing.PendingFilter{})
	require.ErrorIs(t, err, ErrNoWork)

	w.addScan("RB-000070", fiscalUUID())
	w.advance(11 * time.Minute)
	out, err = engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, out.Status)
	require.Equal(t, 2, w.entry(id).Attempts)
}

func TestStalePendingBecomesIncidence(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000080", 1, "", 72*time.Hour)
	engine, _ := newTestEngine(w, Config{StaleAfter: 48 * time.Hour})

	out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Equal(t, documents.ReasonStalePending, out.Reason)
}

func TestProcessFolioWithPushedExtraction(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(5, 1, 100)
	id := w.addEntry("RB-000090", 1, "", 0)
	engine, _ := newTestEngine(w, Config{RecheckInterval: time.Hour})
	ctx := context.Background()

	out, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusPending, out.Status)

	// The scan lands in the archive and the extraction is pushed right away,
	// well before the recheck delay elapses.
	res := w.addScan("RB-000090", fiscalUUID())
	ext := res.Extraction
	out, err = engine.ProcessFolio(ctx, FolioRequest{Folio: "  RB-000090 ", Extraction: &ext})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, out.Status)
	require.True(t, w.entry(id).Processed)
	require.Equal(t, 1, w.unit(unitID).Occupancy)
}

func TestProcessFolioPushedExtractionWithoutStoredScan(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000091", 1, "", 0)
	engine, _ := newTestEngine(w, Config{})

	ext := scan.Extraction{OK: true, FiscalUUID: fiscalUUID(), HashOriginal: strings.Repeat("b", 64), HashFinal: strings.Repeat("c", 64)}
	out, err := engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000091", Extraction: &ext})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Equal(t, documents.ReasonHashMismatch, out.Reason)
}

func TestProcessFolioOrphanScan(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	fiscal := fiscalUUID()
	w.addScan("RB-000095", fiscal)
	engine, _ := newTestEngine(w, Config{})

	out, err := engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000095"})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Equal(t, documents.ReasonMissingCounterpart, out.Reason)
	require.Empty(t, out.Entries)
	require.Equal(t, fiscal, w.document(*out.DocumentID).ExtractedUUID)

	// The same scan delivered again is already on record.
	_, err = engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000095"})
	require.ErrorIs(t, err, ErrNoWork)
	require.Len(t, w.documents(), 1)

	// A different scan for the same orphan folio is recorded on its own.
	other := w.addScan("RB-000095", fiscalUUID()).Extraction
	out, err = engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000095", Extraction: &other})
	require.NoError(t, err)
	require.Equal(t, documents.ReasonMissingCounterpart, out.Reason)
	require.Len(t, w.documents(), 2)

	_, err = engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000099"})
	require.ErrorIs(t, err, ErrNoWork)
}

func TestProcessFolioAfterCloseIsNoWork(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000011", 1, "", 0)
	w.addScan("RB-000011", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})

	_, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	_, err = engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000011"})
	require.ErrorIs(t, err, ErrNoWork)
	require.Len(t, w.documents(), 1)
}

func TestLateScanForCertifiedFolioIsDuplicate(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(5, 1, 100)
	id := w.addEntry("RB-000017", 1, "", 0)
	res := w.addScan("RB-000017", fiscalUUID())
	engine, metrics := newTestEngine(w, Config{})
	ctx := context.Background()

	first, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, first.Status)

	late := res.Extraction
	late.FiscalUUID = fiscalUUID()
	out, err := engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000017", Extraction: &late})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Equal(t, documents.ReasonDuplicateFolio, out.Reason)
	require.Empty(t, out.Entries)

	doc := w.document(*out.DocumentID)
	require.Equal(t, late.FiscalUUID, doc.ExtractedUUID)
	require.Empty(t, doc.UUIDSAT)
	require.Contains(t, doc.Notes, first.DocumentID.String())
	require.True(t, w.entry(id).Processed)
	require.Equal(t, 1, w.unit(unitID).Occupancy)

	// Delivering the same late scan twice writes nothing new.
	_, err = engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000017", Extraction: &late})
	require.ErrorIs(t, err, ErrNoWork)
	require.Len(t, w.documents(), 2)
	require.Equal(t, 1, metrics.outcomes["INCIDENCIA/DUPLICATE_FOLIO"])
	require.Contains(t, w.custodyActions(), shared.ActionIncidence)
}

func TestLateScanFailingExtractionKeepsItsReason(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000018", 1, "", 0)
	w.addScan("RB-000018", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})
	ctx := context.Background()

	_, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)

	failed := scan.Extraction{OK: false, Error: "qr unreadable"}
	out, err := engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000018", Extraction: &failed})
	require.NoError(t, err)
	require.Equal(t, documents.ReasonExtractionFailed, out.Reason)
}

func TestLateScanForClosedIncidenceIsNoted(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000019", 1, "", 0)
	res := w.addScan("RB-000019", fiscalUUID())
	bad := res
	bad.Extraction.HashOriginal = strings.Repeat("d", 64)
	w.setScan("RB-000019", bad)
	engine, _ := newTestEngine(w, Config{})
	ctx := context.Background()

	closed, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.ReasonHashMismatch, closed.Reason)

	rescan := res.Extraction
	out, err := engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000019", Extraction: &rescan})
	require.NoError(t, err)
	require.Equal(t, *closed.DocumentID, *out.DocumentID)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Len(t, w.documents(), 1)
	require.Contains(t, w.document(*closed.DocumentID).Notes, rescan.FiscalUUID)
	require.Contains(t, w.custodyActions(), shared.ActionNoteAdded)

	_, err = engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000019", Extraction: &rescan})
	require.ErrorIs(t, err, ErrNoWork)
	require.Equal(t, 1, strings.Count(w.document(*closed.DocumentID).Notes, rescan.FiscalUUID))
}

func TestPushedScanWhileFolioIsClaimedAsksForRetry(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000020", 1, "", 0)
	res := w.addScan("RB-000020", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})
	ctx := context.Background()

	held, err := w.ClaimNext(ctx, landing.ClaimRequest{Token: uuid.New(), Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, held, 1)

	ext := res.Extraction
	_, err = engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000020", Extraction: &ext})
	require.ErrorIs(t, err, ErrFolioBusy)
	_, err = engine.ProcessFolio(ctx, FolioRequest{Folio: "RB-000020"})
	require.ErrorIs(t, err, ErrNoWork)
	require.Empty(t, w.documents())
}

func TestRowArrivingDuringClaimWaitsForItsGroup(t *testing.T) {
	w := newWorld()
	w.addEntry("RB-000021", 1, "", 0)
	ctx := context.Background()

	held, err := w.ClaimNext(ctx, landing.ClaimRequest{Token: uuid.New(), Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, held, 1)

	w.addEntry("RB-000021", 2, "", 0)
	next, err := w.ClaimNext(ctx, landing.ClaimRequest{Token: uuid.New(), Lease: time.Minute})
	require.NoError(t, err)
	require.Empty(t, next)
	byFolio, err := w.ClaimFolio(ctx, "RB-000021", landing.ClaimRequest{Token: uuid.New(), Lease: time.Minute})
	require.NoError(t, err)
	require.Empty(t, byFolio)
}

func TestConcurrentRedeliveryClosesFolioOnce(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(5, 1, 100)
	for i := 0; i < 3; i++ {
		w.addEntry("RB-000012", int64(i+1), "", 0)
	}
	w.addScan("RB-000012", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		closed  int
		noWork  int
		unknown []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000012"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoWork):
				noWork++
			case err != nil:
				unknown = append(unknown, err)
			case out.Status == documents.StatusConciliated:
				closed++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unknown)
	require.Equal(t, 1, closed)
	require.Equal(t, 7, noWork)
	require.Len(t, w.documents(), 1)
	require.Equal(t, 1, w.unit(unitID).Occupancy)
}

func TestTwoConcurrentScansForOneFolio(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(5, 1, 100)
	w.addEntry("RB-000022", 1, "", 0)
	w.addEntry("RB-000022", 2, "", 0)
	stored := w.addScan("RB-000022", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})

	scans := make([]scan.Extraction, 2)
	for i := range scans {
		scans[i] = stored.Extraction
		scans[i].FiscalUUID = fiscalUUID()
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		retry   []scan.Extraction
		unknown []error
	)
	for _, ext := range scans {
		wg.Add(1)
		go func(ext scan.Extraction) {
			defer wg.Done()
			_, err := engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000022", Extraction: &ext})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrFolioBusy):
				retry = append(retry, ext)
			case err != nil:
				unknown = append(unknown, err)
			}
		}(ext)
	}
	wg.Wait()
	require.Empty(t, unknown)
	// A scan that met the folio in flight is retried, as the job queue does.
	for _, ext := range retry {
		_, err := engine.ProcessFolio(context.Background(), FolioRequest{Folio: "RB-000022", Extraction: &ext})
		require.NoError(t, err)
	}

	var conciliated, incidences int
	for _, d := range w.documents() {
		switch d.Status {
		case documents.StatusConciliated:
			conciliated++
		case documents.StatusIncidence:
			incidences++
			require.Equal(t, documents.ReasonDuplicateFolio, d.Reason)
		}
	}
	require.Equal(t, 1, conciliated)
	require.Equal(t, 1, incidences)
	require.Equal(t, 1, w.unit(unitID).Occupancy)
}

func TestSameFiscalUUIDOnTwoFoliosCertifiesOnce(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(10, 1, 100)
	fiscal := fiscalUUID()
	for _, folio := range []string{"RB-000013", "RB-000014", "RB-000015", "RB-000016"} {
		w.addEntry(folio, 1, "", 0)
		w.addScan(folio, fiscal)
	}
	engine, _ := newTestEngine(w, Config{})

	report, err := engine.Drain(context.Background(), DrainOptions{Max: 10, Concurrency: 4})
	require.NoError(t, err)
	require.Equal(t, 4, report.Attempts)
	require.Equal(t, 1, report.Conciliated)
	require.Equal(t, 3, report.Incidences)

	certified := 0
	for _, d := range w.documents() {
		if d.Status == documents.StatusConciliated {
			certified++
			continue
		}
		require.Equal(t, documents.ReasonDuplicateUUID, d.Reason)
		require.Equal(t, fiscal, d.ExtractedUUID)
	}
	require.Equal(t, 1, certified)
	require.Equal(t, 1, w.unit(unitID).Occupancy)
}

func TestUniqueIndexArbitratesAndRollsBackAllocation(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(5, 1, 100)
	fiscal := fiscalUUID()
	w.docs = append(w.docs, documents.Document{ID: uuid.New(), FolioRB: "RB-000002", UUIDSAT: fiscal, Status: documents.StatusConciliated})
	id := w.addEntry("RB-000017", 1, "", 0)
	w.addScan("RB-000017", fiscal)
	w.hideConciliado = true
	engine, _ := newTestEngine(w, Config{})

	out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Equal(t, documents.ReasonDuplicateUUID, out.Reason)
	require.Zero(t, w.unit(unitID).Occupancy)
	require.True(t, w.entry(id).Processed)
	require.NotContains(t, w.custodyActions(), shared.ActionConciliated)
}

func TestCapacityOneAdmitsOneFolio(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(1, 1, 100)
	w.addEntry("RB-000018", 1, "", 0)
	w.addEntry("RB-000019", 1, "", 0)
	w.addScan("RB-000018", fiscalUUID())
	w.addScan("RB-000019", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})

	report, err := engine.Drain(context.Background(), DrainOptions{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, 1, report.Conciliated)
	require.Equal(t, 1, report.Incidences)
	require.Equal(t, 1, w.unit(unitID).Occupancy)
}

func TestSoftChecksAddNotesWithoutChangingStatus(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000022", 4500123, "100.00", 0)
	res := w.addScan("RB-000022", fiscalUUID())
	total := decimal.RequireFromString("120.00")
	res.Extraction.Total = &total
	res.Extraction.PurchaseOrder = "OC-999"
	w.setScan("RB-000022", res)
	engine, _ := newTestEngine(w, Config{})

	out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, out.Status)
	require.Len(t, out.Notes, 2)

	notes := w.document(*out.DocumentID).Notes
	require.Contains(t, notes, "purchase order OC-999")
	require.Contains(t, notes, "total 120.00")
	require.Contains(t, notes, shared.ActorSystem)
	require.Len(t, strings.Split(notes, "\n"), 2)
}

func TestLocallyFilledHashIsNoted(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000023", 4500123, "", 0)
	res := w.addScan("RB-000023", fiscalUUID())
	res.HashFilled = true
	w.setScan("RB-000023", res)
	engine, _ := newTestEngine(w, Config{})

	out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, out.Status)
	require.Equal(t, []string{hashFilledNote}, out.Notes)
	require.Contains(t, w.document(*out.DocumentID).Notes, "hash_original not returned by the extractor")
}

func TestSoftChecksAcceptMatchingSuffix(t *testing.T) {
	po := int64(123)
	amount := decimal.RequireFromString("10.005")
	total := decimal.RequireFromString("10.01")
	item := WorkItem{
		Entries:    []landing.RawEntry{{Fields: landing.Fields{PurchaseOrder: &po, Amount: &amount}}},
		Extraction: &scan.Extraction{PurchaseOrder: "OC-4500123", Total: &total},
	}
	require.Empty(t, softChecks(item))
}

func TestFetchErrorLeavesClaimForSweep(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	id := w.addEntry("RB-000023", 1, "", 0)
	w.failing["RB-000023"] = errors.New("bucket unreachable")
	engine, metrics := newTestEngine(w, Config{Lease: time.Minute})
	ctx := context.Background()

	_, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoWork)
	require.NotNil(t, w.entry(id).ClaimToken)

	n, err := engine.SweepLeases(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	w.advance(2 * time.Minute)
	n, err = engine.SweepLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, metrics.expired)
	require.Nil(t, w.entry(id).ClaimToken)
	require.Contains(t, w.custodyActions(), shared.ActionLeaseExpired)

	delete(w.failing, "RB-000023")
	w.addScan("RB-000023", fiscalUUID())
	out, err := engine.ProcessNext(ctx, landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, out.Status)
}

func TestDrainReportCountsOutcomes(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000024", 1, "", 0)
	w.addScan("RB-000024", fiscalUUID())
	w.addEntry("RB-000025", 1, "", 0)
	w.addEntry("RB-000600", 1, "", 0)
	w.addScan("RB-000600", fiscalUUID())
	w.addEntry("RB-000026", 1, "", 0)
	w.failing["RB-000026"] = errors.New("ocr down")
	engine, _ := newTestEngine(w, Config{})

	report, err := engine.Drain(context.Background(), DrainOptions{Max: 10, Concurrency: 1})
	require.NoError(t, err)
	require.Equal(t, DrainReport{Attempts: 4, Conciliated: 1, Incidences: 1, Pending: 1, Failures: 1}, report)
}

func TestDrainRespectsMax(t *testing.T) {
	w := newWorld()
	w.addUnit(50, 1, 100)
	for i := 30; i < 40; i++ {
		folio := fmt.Sprintf("RB-%06d", i)
		w.addEntry(folio, 1, "", 0)
		w.addScan(folio, fiscalUUID())
	}
	engine, _ := newTestEngine(w, Config{})

	report, err := engine.Drain(context.Background(), DrainOptions{Max: 4, Concurrency: 3})
	require.NoError(t, err)
	require.Equal(t, 4, report.Attempts)
	require.Equal(t, 4, report.Conciliated)
}

func incidenceFor(t *testing.T, engine *Engine, folio string) uuid.UUID {
	t.Helper()
	out, err := engine.ProcessNext(context.Background(), landing.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIncidence, out.Status)
	require.Equal(t, folio, out.Folio)
	return *out.DocumentID
}

func TestOverrideIncidenceToConciliado(t *testing.T) {
	w := newWorld()
	unitID := w.addUnit(0, 1, 100)
	w.addEntry("RB-000027", 1, "", 0)
	fiscal := fiscalUUID()
	w.addScan("RB-000027", fiscal)
	engine, metrics := newTestEngine(w, Config{})
	docID := incidenceFor(t, engine, "RB-000027")

	_, err := engine.Override(context.Background(), OverrideInput{ID: docID, Target: documents.StatusConciliated, Actor: "auditor@saf"})
	require.ErrorIs(t, err, location.ErrCapacityExceeded)
	require.Equal(t, documents.StatusIncidence, w.document(docID).Status)

	w.mu.Lock()
	w.units[unitID].Capacity = 1
	w.mu.Unlock()

	doc, err := engine.Override(context.Background(), OverrideInput{ID: docID, Target: documents.StatusConciliated, Actor: "auditor@saf", Note: "shelf extended"})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConciliated, doc.Status)
	require.Empty(t, doc.Reason)
	require.Equal(t, fiscal, doc.UUIDSAT)
	require.Equal(t, unitID, *doc.LocationID)
	require.Contains(t, doc.Notes, "auditor@saf] override INCIDENCIA -> CONCILIADO: shelf extended")
	require.Equal(t, 1, w.unit(unitID).Occupancy)
	require.Contains(t, w.custodyActions(), shared.ActionStatusOverride)
	require.Equal(t, 1, metrics.outcomes["CONCILIADO/OVERRIDE"])

	_, err = engine.Override(context.Background(), OverrideInput{ID: docID, Target: documents.StatusPending, Actor: "auditor@saf"})
	require.ErrorIs(t, err, documents.ErrNotOverridable)
}

func TestOverrideToPendienteKeepsReason(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	w.addEntry("RB-000700", 1, "", 0)
	w.addScan("RB-000700", fiscalUUID())
	engine, _ := newTestEngine(w, Config{})
	docID := incidenceFor(t, engine, "RB-000700")

	doc, err := engine.Override(context.Background(), OverrideInput{ID: docID, Target: documents.StatusPending, Actor: "auditor@saf", Note: "awaiting rescan"})
	require.NoError(t, err)
	require.Equal(t, documents.StatusPending, doc.Status)
	require.Equal(t, documents.ReasonNoLocation, doc.Reason)
	require.Empty(t, doc.UUIDSAT)
	require.Len(t, strings.Split(doc.Notes, "\n"), 2)
}

func TestOverrideRejections(t *testing.T) {
	w := newWorld()
	w.addUnit(5, 1, 100)
	fiscal := fiscalUUID()
	w.docs = append(w.docs, documents.Document{ID: uuid.New(), FolioRB: "RB-000003", UUIDSAT: fiscal, Status: documents.StatusConciliated})
	w.addEntry("RB-000028", 1, "", 0)
	w.addScan("RB-000028", fiscal)
	w.addEntry("RB-000029", 1, "", 0)
	res := w.addScan("RB-000029", fiscalUUID())
	res.Extraction.OK = false
	w.setScan("RB-000029", res)
	engine, _ := newTestEngine(w, Config{})

	dupID := incidenceFor(t, engine, "RB-000028")
	failedID := incidenceFor(t, engine, "RB-000029")
	ctx := context.Background()

	_, err := engine.Override(ctx, OverrideInput{ID: dupID, Target: documents.StatusConciliated, Actor: "auditor@saf"})
	require.ErrorIs(t, err, ErrDuplicateFiscalUUID)

	_, err = engine.Override(ctx, OverrideInput{ID: failedID, Target: documents.StatusConciliated, Actor: "auditor@saf"})
	require.NoError(t, err, "extraction failed scans still carry hashes and a uuid")

	_, err = engine.Override(ctx, OverrideInput{ID: dupID, Target: documents.StatusIncidence, Actor: "auditor@saf"})
	require.ErrorIs(t, err, documents.ErrNotOverridable)

	_, err = engine.Override(ctx, OverrideInput{ID: dupID, Target: documents.StatusPending})
	require.Error(t, err)

	_, err = engine.Override(ctx, OverrideInput{ID: uuid.New(), Target: documents.StatusPending, Actor: "auditor@saf"})
	require.ErrorIs(t, err, documents.ErrNotFound)
}
