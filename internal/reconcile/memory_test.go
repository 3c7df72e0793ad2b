package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/fingerprint"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/scan"
	"github.com/saf-gda/saf-gda/internal/shared"
)

// world is an in-memory landing zone, topology, master and scan archive that
// mirrors the database constraints the engine relies on.
type world struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	clock   time.Time
	entries map[int64]*landing.RawEntry
	nextID  int64
	units   map[int64]*location.Unit
	docs    []documents.Document
	custody []shared.AuditLog
	scans   map[string]scan.Result
	failing map[string]error

	// hideConciliado makes FindConciliado blind, as a concurrent transaction
	// that has not committed yet would be.
	hideConciliado bool
}

func newWorld() *world {
	return &world{
		clock:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		entries: make(map[int64]*landing.RawEntry),
		units:   make(map[int64]*location.Unit),
		scans:   make(map[string]scan.Result),
		failing: make(map[string]error),
	}
}

func (w *world) now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clock
}

func (w *world) advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock = w.clock.Add(d)
}

func (w *world) addEntry(folio string, po int64, amount string, age time.Duration) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	f := landing.Fields{PurchaseOrder: &po}
	if folio != "" {
		f.FolioRB = &folio
	}
	if amount != "" {
		d := decimal.RequireFromString(amount)
		f.Amount = &d
	}
	w.entries[w.nextID] = &landing.RawEntry{
		ID:          w.nextID,
		Fields:      f,
		Fingerprint: f.Fingerprint(),
		Batch:       "lote-test",
		IngestedAt:  w.clock.Add(-age),
	}
	return w.nextID
}

func (w *world) addUnit(capacity int, start, end int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := int64(len(w.units) + 1)
	w.units[id] = &location.Unit{ID: id, Building: "A", Furniture: "M1", Container: fmt.Sprintf("C%d", id), FolioStart: &start, FolioEnd: &end, Capacity: capacity}
	return id
}

func (w *world) addScan(folio, fiscalUUID string) scan.Result {
	raw := fingerprint.Bytes([]byte("scan-" + folio))
	res := scan.Result{
		ObjectName: folio + ".jpg",
		RawSHA256:  raw,
		Extraction: scan.Extraction{
			OK:           true,
			FiscalUUID:   fiscalUUID,
			HashOriginal: raw,
			HashFinal:    fingerprint.Bytes([]byte("final-" + folio)),
		},
	}
	w.mu.Lock()
	w.scans[folio] = res
	w.mu.Unlock()
	return res
}

func (w *world) setScan(folio string, res scan.Result) {
	w.mu.Lock()
	w.scans[folio] = res
	w.mu.Unlock()
}

func (w *world) entry(id int64) landing.RawEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.entries[id]
}

func (w *world) unit(id int64) location.Unit {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.units[id]
}

func (w *world) documents() []documents.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]documents.Document(nil), w.docs...)
}

func (w *world) document(id uuid.UUID) documents.Document {
	for _, d := range w.documents() {
		if d.ID == id {
			return d
		}
	}
	return documents.Document{}
}

func (w *world) custodyActions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.custody))
	for i, l := range w.custody {
		out[i] = l.Action
	}
	return out
}

// Queue.

func (w *world) available(e *landing.RawEntry) bool {
	return !e.Processed && (e.LeaseExpiresAt == nil || e.LeaseExpiresAt.Before(w.clock))
}

func (w *world) claimable(e *landing.RawEntry) bool {
	return !e.Processed && (e.ClaimToken == nil || e.LeaseExpiresAt.Before(w.clock))
}

func (w *world) claim(e *landing.RawEntry, req landing.ClaimRequest) landing.RawEntry {
	token := req.Token
	lease := w.clock.Add(req.Lease)
	e.ClaimToken = &token
	e.LeaseExpiresAt = &lease
	e.Attempts++
	return *e
}

func (w *world) ClaimNext(_ context.Context, req landing.ClaimRequest) ([]landing.RawEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := int64(1); id <= w.nextID; id++ {
		head := w.entries[id]
		if !w.available(head) {
			continue
		}
		if req.Filter.Division != nil && (head.Fields.Division == nil || *head.Fields.Division != *req.Filter.Division) {
			continue
		}
		folio := head.Fields.Folio()
		if folio != "" && w.folioHead(folio) != head {
			continue
		}
		out := []landing.RawEntry{w.claim(head, req)}
		if folio == "" {
			return out, nil
		}
		for sid := int64(1); sid <= w.nextID; sid++ {
			s := w.entries[sid]
			if sid != id && s.Fields.Folio() == folio && w.claimable(s) {
				out = append(out, w.claim(s, req))
			}
		}
		return out, nil
	}
	return nil, nil
}

// folioHead returns the oldest pending row of folio; ids stand in for
// ingestion order.
func (w *world) folioHead(folio string) *landing.RawEntry {
	for id := int64(1); id <= w.nextID; id++ {
		if e := w.entries[id]; !e.Processed && e.Fields.Folio() == folio {
			return e
		}
	}
	return nil
}

func (w *world) ClaimFolio(_ context.Context, folio string, req landing.ClaimRequest) ([]landing.RawEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if head := w.folioHead(folio); head == nil || !w.claimable(head) {
		return nil, nil
	}
	var out []landing.RawEntry
	for id := int64(1); id <= w.nextID; id++ {
		e := w.entries[id]
		if e.Fields.Folio() == folio && w.claimable(e) {
			out = append(out, w.claim(e, req))
		}
	}
	return out, nil
}

func (w *world) Release(_ context.Context, ids []int64, token uuid.UUID, availableAt time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, id := range ids {
		e := w.entries[id]
		if e == nil || e.Processed || e.ClaimToken == nil || *e.ClaimToken != token {
			continue
		}
		e.ClaimToken = nil
		e.LeaseExpiresAt = nil
		if !availableAt.IsZero() {
			at := availableAt
			e.LeaseExpiresAt = &at
		}
		n++
	}
	return n, nil
}

func (w *world) SweepExpiredLeases(context.Context) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []int64
	for id := int64(1); id <= w.nextID; id++ {
		e := w.entries[id]
		if !e.Processed && e.ClaimToken != nil && e.LeaseExpiresAt.Before(w.clock) {
			e.ClaimToken = nil
			e.LeaseExpiresAt = nil
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (w *world) ListByFolio(_ context.Context, folio string) ([]landing.RawEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []landing.RawEntry
	for id := int64(1); id <= w.nextID; id++ {
		if e := w.entries[id]; e.Fields.Folio() == folio {
			out = append(out, *e)
		}
	}
	return out, nil
}

// Locator.

func (w *world) Resolve(_ context.Context, folio string) (location.Unit, error) {
	n, ok := location.FolioNumber(folio)
	if !ok {
		return location.Unit{}, location.ErrNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := int64(1); id <= int64(len(w.units)); id++ {
		if u := w.units[id]; u.Covers(n) {
			return *u, nil
		}
	}
	return location.Unit{}, location.ErrNotFound
}

// Scans.

func (w *world) Fetch(_ context.Context, folio string) (scan.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failing[folio]; err != nil {
		return scan.Result{}, err
	}
	res, ok := w.scans[folio]
	if !ok {
		return scan.Result{}, scan.ErrNotAvailable
	}
	return res, nil
}

func (w *world) Attach(_ context.Context, folio string, ext scan.Extraction) (scan.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := scan.Result{Extraction: ext}
	if stored, ok := w.scans[folio]; ok {
		res.ObjectName = stored.ObjectName
		res.RawSHA256 = stored.RawSHA256
	}
	return res, nil
}

// Store: transactions are serialised and undone from a journal on error, so
// claims taken by other goroutines meanwhile survive a rollback.

type memTx struct {
	w    *world
	undo []func()
}

func (w *world) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	w.txMu.Lock()
	defer w.txMu.Unlock()
	tx := &memTx{w: w}
	if err := fn(ctx, tx); err != nil {
		w.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

// Record writes custody outside a transaction. It waits for the open
// transaction so a rollback never truncates it.
func (w *world) Record(_ context.Context, log shared.AuditLog) error {
	w.txMu.Lock()
	defer w.txMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.custody = append(w.custody, log)
	return nil
}

func (tx *memTx) LockFolio(context.Context, string) error {
	return nil
}

func (tx *memTx) ListDocumentsByFolio(_ context.Context, folio string) ([]documents.Document, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []documents.Document
	for _, d := range w.docs {
		if d.FolioRB == folio {
			out = append(out, d)
		}
	}
	return out, nil
}

func (tx *memTx) FindConciliado(_ context.Context, fiscalUUID, folio string) (documents.Document, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hideConciliado {
		return documents.Document{}, documents.ErrNotFound
	}
	for _, d := range w.docs {
		if (fiscalUUID != "" && d.UUIDSAT == fiscalUUID) || (d.FolioRB == folio && d.Status == documents.StatusConciliated) {
			return d, nil
		}
	}
	return documents.Document{}, documents.ErrNotFound
}

func (tx *memTx) GetDocumentForUpdate(_ context.Context, id uuid.UUID) (documents.Document, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return documents.Document{}, documents.ErrNotFound
}

// checkConstraints mirrors the unique indexes and CHECK constraints of
// documentos_maestros for doc at position skip (-1 for a new row).
func (w *world) checkConstraints(doc documents.Document, skip int) error {
	for i, d := range w.docs {
		if i == skip {
			continue
		}
		if doc.UUIDSAT != "" && d.UUIDSAT == doc.UUIDSAT {
			return documents.ErrDuplicateUUID
		}
		if doc.Status == documents.StatusConciliated && d.Status == documents.StatusConciliated && d.FolioRB == doc.FolioRB {
			return documents.ErrDuplicateFolio
		}
	}
	if doc.Status == documents.StatusConciliated && (doc.FolioRB == "" || doc.UUIDSAT == "" || doc.HashOriginal == "" || doc.HashFinal == "" || doc.LocationID == nil) {
		return fmt.Errorf("check documentos_conciliado_completo violated")
	}
	if doc.Status == documents.StatusIncidence && doc.Reason == "" {
		return fmt.Errorf("check documentos_incidencia_motivo violated")
	}
	return nil
}

func (tx *memTx) InsertDocument(_ context.Context, doc documents.Document) (documents.Document, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkConstraints(doc, -1); err != nil {
		return documents.Document{}, err
	}
	doc.CreatedAt = w.clock
	doc.UpdatedAt = w.clock
	w.docs = append(w.docs, doc)
	n := len(w.docs)
	tx.undo = append(tx.undo, func() { w.docs = w.docs[:n-1] })
	return doc, nil
}

func (tx *memTx) replace(i int, d documents.Document) {
	w := tx.w
	prev := w.docs[i]
	w.docs[i] = d
	tx.undo = append(tx.undo, func() { w.docs[i] = prev })
}

func (tx *memTx) UpdateDocumentStatus(_ context.Context, u documents.StatusUpdate) (documents.Document, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, d := range w.docs {
		if d.ID != u.ID {
			continue
		}
		d.Status, d.Reason, d.UUIDSAT = u.Status, u.Reason, u.UUIDSAT
		if u.LocationID != nil {
			d.LocationID = u.LocationID
		}
		d.UpdatedAt = w.clock
		if err := w.checkConstraints(d, i); err != nil {
			return documents.Document{}, err
		}
		tx.replace(i, d)
		return d, nil
	}
	return documents.Document{}, documents.ErrNotFound
}

func (tx *memTx) AppendNote(_ context.Context, id uuid.UUID, line string) (documents.Document, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, d := range w.docs {
		if d.ID != id {
			continue
		}
		if d.Notes == "" {
			d.Notes = line
		} else {
			d.Notes += "\n" + line
		}
		tx.replace(i, d)
		return d, nil
	}
	return documents.Document{}, documents.ErrNotFound
}

func (tx *memTx) Allocate(_ context.Context, id int64, count int) (location.Unit, error) {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.units[id]
	if !ok {
		return location.Unit{}, location.ErrNotFound
	}
	if u.Occupancy+count > u.Capacity {
		return location.Unit{}, location.ErrCapacityExceeded
	}
	u.Occupancy += count
	tx.undo = append(tx.undo, func() { u.Occupancy -= count })
	return *u, nil
}

func (tx *memTx) MarkProcessed(_ context.Context, token uuid.UUID, ids ...int64) error {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		e, ok := w.entries[id]
		switch {
		case !ok:
			return landing.ErrNotFound
		case e.Processed:
			return landing.ErrAlreadyProcessed
		case e.ClaimToken == nil || *e.ClaimToken != token || e.LeaseExpiresAt.Before(w.clock):
			return landing.ErrLeaseExpired
		}
	}
	for _, id := range ids {
		e := w.entries[id]
		prev := *e
		at := w.clock
		e.Processed = true
		e.ProcessedAt = &at
		e.ClaimToken = nil
		e.LeaseExpiresAt = nil
		tx.undo = append(tx.undo, func() { *e = prev })
	}
	return nil
}

func (tx *memTx) Record(_ context.Context, log shared.AuditLog) error {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()
	w.custody = append(w.custody, log)
	n := len(w.custody)
	tx.undo = append(tx.undo, func() { w.custody = w.custody[:n-1] })
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	expired  int
}

func (m *countingMetrics) AddOutcome(status, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[status+"/"+reason]++
}

func (m *countingMetrics) AddLeaseExpired(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired += n
}
