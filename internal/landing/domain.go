package landing

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saf-gda/saf-gda/internal/fingerprint"
)

var (
	// ErrNotFound indicates the landing row does not exist.
	ErrNotFound = errors.New("landing: entry not found")
	// ErrAlreadyProcessed indicates the row already left the pending queue.
	ErrAlreadyProcessed = errors.New("landing: entry already processed")
	// ErrLeaseExpired indicates the caller no longer holds the claim on the row.
	ErrLeaseExpired = errors.New("landing: claim lease expired")
)

// Fields is the business tuple of a purchase-order line as received from the
// upstream extract. Every value is optional; a malformed cell arrives as nil.
type Fields struct {
	Division      *int64           `json:"div,omitempty"`
	Supplier      *string          `json:"provedor,omitempty"`
	PurchaseOrder *int64           `json:"orden_compra,omitempty"`
	Movement      *int64           `json:"mov,omitempty"`
	EntryDate     *time.Time       `json:"fecha_entrada,omitempty"`
	InvoiceFolio  *string          `json:"folio_factura,omitempty"`
	ItemCode      *string          `json:"codigo_articulo,omitempty"`
	Item          *string          `json:"articulo,omitempty"`
	Quantity      *decimal.Decimal `json:"cantidad,omitempty"`
	UnitPrice     *decimal.Decimal `json:"precio_unitario,omitempty"`
	Amount        *decimal.Decimal `json:"importe,omitempty"`
	Funding       *string          `json:"fondeo,omitempty"`
	FolioRB       *string          `json:"folio_rb,omitempty"`
}

// Column limits of entradas_landing. Values outside them cannot be stored.
const (
	QuantityScale = 4
	AmountScale   = 2
	// QuantityDigits and AmountDigits bound the integer part of NUMERIC(18,4)
	// and NUMERIC(18,2).
	QuantityDigits = 18 - QuantityScale
	AmountDigits   = 18 - AmountScale
)

// FitsInt32 reports whether n fits an INTEGER column.
func FitsInt32(n int64) bool {
	return n >= math.MinInt32 && n <= math.MaxInt32
}

// FitsNumeric reports whether d, rounded to scale, has at most digits
// integer digits.
func FitsNumeric(d decimal.Decimal, digits int32, scale int32) bool {
	limit := decimal.New(1, digits)
	return d.Round(scale).Abs().LessThan(limit)
}

// Normalize returns a copy with canonical text and a derived amount.
// Blank text becomes nil. Quantities and prices are rounded to four places
// and amounts to cents, the precision they are stored with, so the
// fingerprint matches what a reload of the row would produce. When the
// amount is missing it is computed from the rounded quantity and price.
// Numbers outside the column limits become nil.
func (f Fields) Normalize() Fields {
	out := f
	out.Supplier = normText(f.Supplier)
	out.InvoiceFolio = normText(f.InvoiceFolio)
	out.ItemCode = normText(f.ItemCode)
	out.Item = normText(f.Item)
	out.Funding = normText(f.Funding)
	out.FolioRB = normText(f.FolioRB)
	if f.EntryDate != nil {
		d := time.Date(f.EntryDate.Year(), f.EntryDate.Month(), f.EntryDate.Day(), 0, 0, 0, 0, time.UTC)
		out.EntryDate = &d
	}
	out.Division = fitInt32(f.Division)
	out.Movement = fitInt32(f.Movement)
	out.Quantity = roundNumeric(f.Quantity, QuantityDigits, QuantityScale)
	out.UnitPrice = roundNumeric(f.UnitPrice, QuantityDigits, QuantityScale)
	out.Amount = roundNumeric(f.Amount, AmountDigits, AmountScale)
	if out.Amount == nil && out.Quantity != nil && out.UnitPrice != nil {
		out.Amount = roundNumeric(ptr(out.Quantity.Mul(*out.UnitPrice)), AmountDigits, AmountScale)
	}
	return out
}

func fitInt32(n *int64) *int64 {
	if n == nil || !FitsInt32(*n) {
		return nil
	}
	return n
}

func roundNumeric(d *decimal.Decimal, digits, scale int32) *decimal.Decimal {
	if d == nil || !FitsNumeric(*d, digits, scale) {
		return nil
	}
	v := d.Round(scale)
	return &v
}

func ptr[T any](v T) *T { return &v }

// Fingerprint hashes the canonical tuple in column order.
func (f Fields) Fingerprint() string {
	return fingerprint.Sum(
		fingerprint.Int(f.Division),
		fingerprint.Text(f.Supplier),
		fingerprint.Int(f.PurchaseOrder),
		fingerprint.Int(f.Movement),
		fingerprint.Date(f.EntryDate),
		fingerprint.Text(f.InvoiceFolio),
		fingerprint.Text(f.ItemCode),
		fingerprint.Text(f.Item),
		fingerprint.Decimal(f.Quantity),
		fingerprint.Decimal(f.UnitPrice),
		fingerprint.Decimal(f.Amount),
		fingerprint.Text(f.Funding),
		fingerprint.Text(f.FolioRB),
	)
}

// Folio returns the physical folio or an empty string.
func (f Fields) Folio() string {
	if f.FolioRB == nil {
		return ""
	}
	return fingerprint.NormalizeText(*f.FolioRB)
}

func normText(s *string) *string {
	if s == nil {
		return nil
	}
	v := fingerprint.NormalizeText(*s)
	if v == "" {
		return nil
	}
	return &v
}

// RawEntry is an immutable landing row plus its queue state.
type RawEntry struct {
	ID             int64      `json:"id"`
	Fields         Fields     `json:"campos"`
	Fingerprint    string     `json:"registro_hash"`
	Batch          string     `json:"lote_origen"`
	Processed      bool       `json:"procesado"`
	ProcessedAt    *time.Time `json:"procesado_at,omitempty"`
	ClaimToken     *uuid.UUID `json:"claim_token,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expira,omitempty"`
	Attempts       int        `json:"intentos"`
	IngestedAt     time.Time  `json:"fecha_ingesta"`
}

// IngestStatus reports the outcome of a single insert.
type IngestStatus string

const (
	// IngestInserted marks a newly stored row.
	IngestInserted IngestStatus = "inserted"
	// IngestDuplicate marks a row whose fingerprint already existed.
	IngestDuplicate IngestStatus = "duplicate"
)

// IngestResult captures the result of one row.
type IngestResult struct {
	ID          int64        `json:"id,omitempty"`
	Fingerprint string       `json:"registro_hash"`
	Status      IngestStatus `json:"status"`
}

// BatchSummary aggregates a batch ingestion.
type BatchSummary struct {
	Batch      string `json:"lote_origen"`
	Total      int    `json:"total"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
}

// PendingFilter narrows and prioritises the pending view.
type PendingFilter struct {
	Limit         int
	PurchaseOrder *int64
	Division      *int64
}

// ClaimRequest describes a claim attempt on the pending queue.
type ClaimRequest struct {
	Token  uuid.UUID
	Lease  time.Duration
	Filter PendingFilter
}

// QueueStats summarises the landing zone.
type QueueStats struct {
	Total         int64      `json:"total"`
	Pending       int64      `json:"pending"`
	InFlight      int64      `json:"in_flight"`
	Processed     int64      `json:"processed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Row pairs normalised fields with their fingerprint for insertion.
type Row struct {
	Fields      Fields
	Fingerprint string
}

// NewRow normalises f and computes its fingerprint.
func NewRow(f Fields) Row {
	n := f.Normalize()
	return Row{Fields: n, Fingerprint: n.Fingerprint()}
}
