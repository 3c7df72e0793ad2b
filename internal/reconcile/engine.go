package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
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

// Engine runs the reconciliation state machine.
type Engine struct {
	queue   Queue
	locator Locator
	scans   Scans
	store   Store
	audit   AuditPort
	metrics MetricsPort
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewEngine builds Engine.
func NewEngine(queue Queue, locator Locator, scans Scans, store Store, audit AuditPort, metrics MetricsPort, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = defaultRecheck
	}
	return &Engine{
		queue:   queue,
		locator: locator,
		scans:   scans,
		store:   store,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// incidence aborts a closing transaction in favour of an INCIDENCIA.
type incidence struct {
	reason documents.Reason
	note   string
}

func (i *incidence) Error() string { return string(i.reason) + ": " + i.note }

// ProcessNext claims the oldest available folio group and drives it to an
// outcome. ErrNoWork means the queue had nothing available.
func (e *Engine) ProcessNext(ctx context.Context, filter landing.PendingFilter) (Outcome, error) {
	req := e.claimRequest(filter)
	entries, err := e.queue.ClaimNext(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if len(entries) == 0 {
		return Outcome{}, ErrNoWork
	}
	return e.run(ctx, WorkItem{Entries: entries, Token: req.Token, Folio: entries[0].Fields.Folio(), Series: e.cfg.Series})
}

// ProcessFolio reconciles the pending rows of one folio, typically right after
// its scan arrived. When no row can be claimed the scan is still recorded: a
// folio with no landing rows becomes MISSING_COUNTERPART and a folio already
// closed gets the duplicate check. A scan already on record yields ErrNoWork.
func (e *Engine) ProcessFolio(ctx context.Context, in FolioRequest) (Outcome, error) {
	folio := fingerprint.NormalizeText(in.Folio)
	if folio == "" {
		return Outcome{}, errors.New("reconcile: folio required")
	}
	req := e.claimRequest(landing.PendingFilter{})
	entries, err := e.queue.ClaimFolio(ctx, folio, req)
	if err != nil {
		return Outcome{}, err
	}
	item := WorkItem{Entries: entries, Token: req.Token, Folio: folio, Extraction: in.Extraction, Series: e.cfg.Series}
	if len(entries) == 0 {
		return e.unclaimedScan(ctx, item)
	}
	return e.run(ctx, item)
}

func (e *Engine) claimRequest(filter landing.PendingFilter) landing.ClaimRequest {
	return landing.ClaimRequest{Token: uuid.New(), Lease: e.cfg.Lease, Filter: filter}
}

// unclaimedScan handles a scan whose folio had nothing to claim.
func (e *Engine) unclaimedScan(ctx context.Context, item WorkItem) (Outcome, error) {
	existing, err := e.queue.ListByFolio(ctx, item.Folio)
	if err != nil {
		return Outcome{}, err
	}
	for _, entry := range existing {
		if entry.Processed {
			continue
		}
		// Another worker holds the group. A pushed extraction exists only in
		// this request, so the caller must retry it once that claim closes.
		if item.Extraction != nil {
			return Outcome{}, ErrFolioBusy
		}
		return Outcome{}, ErrNoWork
	}
	res, err := e.fetch(ctx, item)
	if errors.Is(err, scan.ErrNotAvailable) {
		return Outcome{}, ErrNoWork
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: fetch scan %s: %w", item.Folio, err)
	}
	return e.lateScan(ctx, item, res, len(existing) > 0)
}

// lateScan records a scan for a folio with no open rows. Under the folio lock
// it compares the scan with the documents already written for the folio, so
// the same scan delivered twice is recorded once.
func (e *Engine) lateScan(ctx context.Context, item WorkItem, res scan.Result, hasRows bool) (Outcome, error) {
	ext := res.Extraction
	item.Extraction = &ext
	doc := e.incidenceDocument(e.baseDocument(item, res))

	var (
		out     Outcome
		written bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.LockFolio(ctx, item.Folio); err != nil {
			return err
		}
		prior, err := tx.ListDocumentsByFolio(ctx, item.Folio)
		if err != nil {
			return err
		}

		var reason documents.Reason
		var note string
		switch certified := certifiedIn(prior); {
		case !hasRows:
			reason, note = documents.ReasonMissingCounterpart, "scan received for a folio with no landing rows"
		case certified != nil:
			if sameScan(*certified, doc) {
				return ErrNoWork
			}
			if reason, note = verify(res); reason == "" {
				inc := duplicateOf(*certified, ext.FiscalUUID)
				reason, note = inc.reason, inc.note
			}
		default:
			return e.noteRescan(ctx, tx, item, prior, doc, &out)
		}

		for _, d := range prior {
			if d.Status == documents.StatusIncidence && d.Reason == reason && sameScan(d, doc) {
				return ErrNoWork
			}
		}
		doc.Reason = reason
		doc.Notes = e.noteLines([]string{note})
		if err := writeIncidence(ctx, tx, item, doc); err != nil {
			return err
		}
		out = incidenceOutcome(item, doc, []string{note})
		written = true
		return nil
	})
	if errors.Is(err, ErrNoWork) {
		e.logger.InfoContext(ctx, "scan already on record", slog.String("folio_rb", item.Folio))
		return Outcome{}, ErrNoWork
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: record late scan %s: %w", item.Folio, err)
	}
	if written {
		return e.finish(ctx, out), nil
	}
	return out, nil
}

// noteRescan attaches a new scan to the latest incidence of a folio whose rows
// closed without a certified document. Status stays with the auditor.
func (e *Engine) noteRescan(ctx context.Context, tx TxStore, item WorkItem, prior []documents.Document, doc documents.Document, out *Outcome) error {
	if len(prior) == 0 {
		return ErrNoWork
	}
	latest := prior[len(prior)-1]
	key := fmt.Sprintf("scan %s uuid %s", doc.HashOriginal, doc.ExtractedUUID)
	if sameScan(latest, doc) || strings.Contains(latest.Notes, key) {
		return ErrNoWork
	}
	note := "new " + key + " received after the folio closed"
	if _, err := tx.AppendNote(ctx, latest.ID, e.noteLines([]string{note})); err != nil {
		return err
	}
	if err := tx.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorSystem,
		Action:   shared.ActionNoteAdded,
		Entity:   shared.EntityDocument,
		EntityID: latest.ID.String(),
		Meta:     map[string]any{"folio_rb": item.Folio, "uuid_sat_extraido": doc.ExtractedUUID},
	}); err != nil {
		return err
	}
	id := latest.ID
	*out = Outcome{Folio: item.Folio, Status: latest.Status, Reason: latest.Reason, DocumentID: &id, Notes: []string{note}}
	return nil
}

func certifiedIn(docs []documents.Document) *documents.Document {
	for i := range docs {
		if docs[i].Status == documents.StatusConciliated {
			return &docs[i]
		}
	}
	return nil
}

// sameScan reports whether two documents were produced from the same scan.
func sameScan(a, b documents.Document) bool {
	return a.HashOriginal == b.HashOriginal && strings.EqualFold(a.ExtractedUUID, b.ExtractedUUID)
}

func (e *Engine) run(ctx context.Context, item WorkItem) (Outcome, error) {
	if item.Folio == "" {
		return e.closeIncidence(ctx, item, e.baseDocument(item, scan.Result{}), documents.ReasonMissingFolio,
			[]string{"landing row carries no folio_rb"})
	}

	res, err := e.fetch(ctx, item)
	if errors.Is(err, scan.ErrNotAvailable) {
		return e.deferFolio(ctx, item)
	}
	if err != nil {
		// The claim is left to expire; the lease sweep hands the rows back.
		e.logger.ErrorContext(ctx, "scan fetch failed",
			slog.String("folio_rb", item.Folio),
			slog.String("claim_token", item.Token.String()),
			slog.Any("error", err),
		)
		return Outcome{}, fmt.Errorf("reconcile: fetch scan %s: %w", item.Folio, err)
	}
	ext := res.Extraction
	item.Extraction = &ext
	doc := e.baseDocument(item, res)

	if reason, note := verify(res); reason != "" {
		return e.closeIncidence(ctx, item, doc, reason, []string{note})
	}

	unit, err := e.locator.Resolve(ctx, item.Folio)
	if errors.Is(err, location.ErrNotFound) {
		return e.closeIncidence(ctx, item, doc, documents.ReasonNoLocation,
			[]string{fmt.Sprintf("no storage unit covers folio %s", item.Folio)})
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: resolve location %s: %w", item.Folio, err)
	}
	item.LocationID = &unit.ID

	notes := softChecks(item)
	if res.HashFilled {
		notes = append(notes, hashFilledNote)
	}
	return e.closeConciliated(ctx, item, doc, notes)
}

const hashFilledNote = "hash_original not returned by the extractor; integrity recorded from the stored scan only"

func (e *Engine) fetch(ctx context.Context, item WorkItem) (scan.Result, error) {
	if item.Extraction != nil {
		return e.scans.Attach(ctx, item.Folio, *item.Extraction)
	}
	return e.scans.Fetch(ctx, item.Folio)
}

// verify runs the hard checks on a scan. An empty reason means it passed.
func verify(res scan.Result) (documents.Reason, string) {
	ext := res.Extraction
	if err := ext.Validate(); err != nil {
		return documents.ReasonExtractionFailed, err.Error()
	}
	if res.RawSHA256 == "" {
		return documents.ReasonHashMismatch, "raw scan unavailable for integrity check"
	}
	if !fingerprint.Equal(ext.HashOriginal, res.RawSHA256) {
		return documents.ReasonHashMismatch, fmt.Sprintf("%v: hash_original %q, stored scan %s", ErrHashMismatch, ext.HashOriginal, res.RawSHA256)
	}
	if !fingerprint.Valid(strings.ToLower(strings.TrimSpace(ext.HashFinal))) {
		return documents.ReasonHashMismatch, "hash_final missing or malformed"
	}
	return "", ""
}

// softChecks compares the extraction with the landing rows. Mismatches are
// recorded as notes and never change the status.
func softChecks(item WorkItem) []string {
	if item.Extraction == nil {
		return nil
	}
	ext := item.Extraction
	var notes []string
	if po := digits(ext.PurchaseOrder); po != "" {
		var seen []string
		matched := false
		for _, entry := range item.Entries {
			if entry.Fields.PurchaseOrder == nil {
				continue
			}
			raw := strconv.FormatInt(*entry.Fields.PurchaseOrder, 10)
			seen = append(seen, raw)
			if strings.HasSuffix(po, raw) || strings.HasSuffix(raw, po) {
				matched = true
			}
		}
		if len(seen) > 0 && !matched {
			notes = append(notes, fmt.Sprintf("purchase order %s on scan differs from landing %s", ext.PurchaseOrder, strings.Join(seen, ",")))
		}
	}
	if ext.Total != nil {
		sum := decimal.Zero
		counted := 0
		for _, entry := range item.Entries {
			if entry.Fields.Amount != nil {
				sum = sum.Add(*entry.Fields.Amount)
				counted++
			}
		}
		if counted > 0 && !sum.Round(2).Equal(ext.Total.Round(2)) {
			notes = append(notes, fmt.Sprintf("total %s on scan differs from landing amount %s", ext.Total.StringFixed(2), sum.StringFixed(2)))
		}
	}
	return notes
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (e *Engine) baseDocument(item WorkItem, res scan.Result) documents.Document {
	doc := documents.Document{
		FolioRB: item.Folio,
		Series:  item.Series,
		Entries: item.IDs(),
	}
	if len(item.Entries) > 0 {
		doc.Batch = item.Entries[0].Batch
	}
	ext := res.Extraction
	if item.Extraction != nil {
		ext = *item.Extraction
	}
	doc.ExtractedUUID = ext.FiscalUUID
	doc.IssuerRFC = ext.IssuerRFC
	doc.IssuerName = ext.IssuerName
	doc.Total = ext.Total
	doc.IssuedAt = ext.IssuedAt
	if h := strings.ToLower(strings.TrimSpace(ext.HashOriginal)); fingerprint.Valid(h) {
		doc.HashOriginal = h
	}
	if h := strings.ToLower(strings.TrimSpace(ext.HashFinal)); fingerprint.Valid(h) {
		doc.HashFinal = h
	}
	return doc
}

func (e *Engine) noteLines(notes []string) string {
	stamp := e.now().UTC().Format(time.RFC3339)
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		if n == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s %s] %s", stamp, shared.ActorSystem, n))
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) closeConciliated(ctx context.Context, item WorkItem, doc documents.Document, notes []string) (Outcome, error) {
	fiscalUUID := item.Extraction.FiscalUUID
	doc.ID = uuid.New()
	doc.Status = documents.StatusConciliated
	doc.UUIDSAT = fiscalUUID
	doc.LocationID = item.LocationID
	doc.Notes = e.noteLines(notes)

	err := e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		existing, err := tx.FindConciliado(ctx, fiscalUUID, item.Folio)
		switch {
		case err == nil:
			return duplicateOf(existing, fiscalUUID)
		case !errors.Is(err, documents.ErrNotFound):
			return err
		}
		if _, err := tx.Allocate(ctx, *item.LocationID, 1); err != nil {
			if errors.Is(err, location.ErrCapacityExceeded) {
				return &incidence{reason: documents.ReasonCapacityExceeded, note: fmt.Sprintf("storage unit %d is full", *item.LocationID)}
			}
			return err
		}
		if _, err := tx.InsertDocument(ctx, doc); err != nil {
			// Another worker certified the same UUID or folio first.
			switch {
			case errors.Is(err, documents.ErrDuplicateUUID):
				return &incidence{reason: documents.ReasonDuplicateUUID, note: fmt.Sprintf("fiscal uuid %s certified concurrently", fiscalUUID)}
			case errors.Is(err, documents.ErrDuplicateFolio):
				return &incidence{reason: documents.ReasonDuplicateFolio, note: fmt.Sprintf("folio %s certified concurrently", item.Folio)}
			}
			return err
		}
		if err := tx.MarkProcessed(ctx, item.Token, item.IDs()...); err != nil {
			return err
		}
		return tx.Record(ctx, shared.AuditLog{
			Actor:    shared.ActorSystem,
			Action:   shared.ActionConciliated,
			Entity:   shared.EntityDocument,
			EntityID: doc.ID.String(),
			Meta: map[string]any{
				"folio_rb":     item.Folio,
				"uuid_sat":     fiscalUUID,
				"ubicacion_id": *item.LocationID,
				"entradas":     item.IDs(),
			},
		})
	})
	var inc *incidence
	if errors.As(err, &inc) {
		return e.closeIncidence(ctx, item, doc, inc.reason, append([]string{inc.note}, notes...))
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: conciliate %s: %w", item.Folio, err)
	}
	return e.finish(ctx, Outcome{
		Folio:      item.Folio,
		Status:     documents.StatusConciliated,
		DocumentID: &doc.ID,
		Entries:    item.IDs(),
		Notes:      notes,
	}), nil
}

func duplicateOf(existing documents.Document, fiscalUUID string) *incidence {
	if existing.UUIDSAT != "" && strings.EqualFold(existing.UUIDSAT, fiscalUUID) {
		return &incidence{reason: documents.ReasonDuplicateUUID, note: fmt.Sprintf("fiscal uuid %s already certified by document %s", fiscalUUID, existing.ID)}
	}
	return &incidence{reason: documents.ReasonDuplicateFolio, note: fmt.Sprintf("folio %s already certified by document %s", existing.FolioRB, existing.ID)}
}

func (e *Engine) closeIncidence(ctx context.Context, item WorkItem, doc documents.Document, reason documents.Reason, notes []string) (Outcome, error) {
	doc = e.incidenceDocument(doc)
	doc.Reason = reason
	doc.Notes = e.noteLines(notes)

	err := e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return writeIncidence(ctx, tx, item, doc)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: record incidence %s: %w", item.Folio, err)
	}
	return e.finish(ctx, incidenceOutcome(item, doc, notes)), nil
}

func (e *Engine) incidenceDocument(doc documents.Document) documents.Document {
	doc.ID = uuid.New()
	doc.Status = documents.StatusIncidence
	doc.UUIDSAT = ""
	doc.LocationID = nil
	return doc
}

func writeIncidence(ctx context.Context, tx TxStore, item WorkItem, doc documents.Document) error {
	if _, err := tx.InsertDocument(ctx, doc); err != nil {
		return err
	}
	if err := tx.MarkProcessed(ctx, item.Token, item.IDs()...); err != nil {
		return err
	}
	return tx.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorSystem,
		Action:   shared.ActionIncidence,
		Entity:   shared.EntityDocument,
		EntityID: doc.ID.String(),
		Meta: map[string]any{
			"folio_rb":          item.Folio,
			"motivo":            string(doc.Reason),
			"uuid_sat_extraido": doc.ExtractedUUID,
			"entradas":          item.IDs(),
		},
	})
}

func incidenceOutcome(item WorkItem, doc documents.Document, notes []string) Outcome {
	id := doc.ID
	return Outcome{
		Folio:      item.Folio,
		Status:     documents.StatusIncidence,
		Reason:     doc.Reason,
		DocumentID: &id,
		Entries:    item.IDs(),
		Notes:      notes,
	}
}

// deferFolio returns a group whose scan is missing to the queue with a recheck
// delay, or closes it as STALE_PENDING once it waited too long.
func (e *Engine) deferFolio(ctx context.Context, item WorkItem) (Outcome, error) {
	if e.cfg.StaleAfter > 0 {
		if age := e.now().Sub(oldest(item.Entries)); age >= e.cfg.StaleAfter {
			return e.closeIncidence(ctx, item, e.baseDocument(item, scan.Result{}), documents.ReasonStalePending,
				[]string{fmt.Sprintf("no scan received after %s", age.Truncate(time.Minute))})
		}
	}
	availableAt := e.now().Add(e.cfg.RecheckInterval)
	released, err := e.queue.Release(ctx, item.IDs(), item.Token, availableAt)
	if err != nil {
		return Outcome{}, err
	}
	if released != int64(len(item.Entries)) {
		e.logger.WarnContext(ctx, "claim lost before release",
			slog.String("folio_rb", item.Folio),
			slog.Int64("released", released),
			slog.Int("claimed", len(item.Entries)),
		)
	}
	e.record(ctx, shared.AuditLog{
		Actor:    shared.ActorSystem,
		Action:   shared.ActionReleased,
		Entity:   shared.EntityRawEntry,
		EntityID: item.Folio,
		Meta:     map[string]any{"entradas": item.IDs(), "recheck_at": availableAt.UTC().Format(time.RFC3339)},
	})
	return e.finish(ctx, Outcome{Folio: item.Folio, Status: documents.StatusPending, Entries: item.IDs()}), nil
}

func oldest(entries []landing.RawEntry) time.Time {
	var t time.Time
	for _, e := range entries {
		if t.IsZero() || e.IngestedAt.Before(t) {
			t = e.IngestedAt
		}
	}
	return t
}

func (e *Engine) finish(ctx context.Context, out Outcome) Outcome {
	if e.metrics != nil {
		e.metrics.AddOutcome(string(out.Status), string(out.Reason))
	}
	attrs := []any{
		slog.String("folio_rb", out.Folio),
		slog.String("estatus", string(out.Status)),
		slog.Int("entradas", len(out.Entries)),
	}
	if out.Reason != "" {
		attrs = append(attrs, slog.String("motivo", string(out.Reason)))
	}
	e.logger.InfoContext(ctx, "reconciliation outcome", attrs...)
	return out
}

func (e *Engine) record(ctx context.Context, log shared.AuditLog) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, log); err != nil {
		e.logger.WarnContext(ctx, "custody log failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
