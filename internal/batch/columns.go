package batch

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/saf-gda/saf-gda/internal/landing"
)

type column int

const (
	colDivision column = iota
	colSupplier
	colPurchaseOrder
	colMovement
	colEntryDate
	colInvoiceFolio
	colItemCode
	colItem
	colQuantity
	colUnitPrice
	colAmount
	colFunding
	colFolioRB
)

var columnNames = [...]string{
	"div", "provedor", "orden_compra", "mov", "fecha_entrada", "folio_factura",
	"codigo_articulo", "articulo", "cantidad", "precio_unitario", "importe", "fondeo", "folio_rb",
}

func (c column) String() string { return columnNames[c] }

var headerAliases = map[string]column{
	"div":             colDivision,
	"division":        colDivision,
	"provedor":        colSupplier,
	"proveedor":       colSupplier,
	"orden_compra":    colPurchaseOrder,
	"orden_de_compra": colPurchaseOrder,
	"oc":              colPurchaseOrder,
	"mov":             colMovement,
	"movimiento":      colMovement,
	"fecha_entrada":   colEntryDate,
	"fecha":           colEntryDate,
	"folio_factura":   colInvoiceFolio,
	"factura":         colInvoiceFolio,
	"codigo_articulo": colItemCode,
	"codigo":          colItemCode,
	"articulo":        colItem,
	"descripcion":     colItem,
	"cantidad":        colQuantity,
	"precio_unitario": colUnitPrice,
	"precio":          colUnitPrice,
	"importe":         colAmount,
	"fondeo":          colFunding,
	"folio_rb":        colFolioRB,
	"folio":           colFolioRB,
}

// headerKey lowercases, strips accents and joins words with underscores.
func headerKey(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(".", " ", "-", " ", "/", " ").Replace(s)
	return strings.Join(strings.Fields(s), "_")
}

// minHeaderColumns keeps a title row such as "Folio" from passing as a header.
const minHeaderColumns = 2

// mapHeader returns the column for each header position, -1 when unknown.
func mapHeader(header []string) ([]column, bool) {
	cols := make([]column, len(header))
	found := 0
	seen := map[column]bool{}
	for i, h := range header {
		c, ok := headerAliases[headerKey(h)]
		if !ok || seen[c] {
			cols[i] = -1
			continue
		}
		seen[c] = true
		cols[i] = c
		found++
	}
	return cols, found >= minHeaderColumns
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
	"01-02-06",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// rowBuilder accumulates one record and its issues.
type rowBuilder struct {
	row    int
	fields landing.Fields
	issues []Issue
	filled bool
}

func (b *rowBuilder) set(c column, raw string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	b.filled = true
	switch c {
	case colDivision:
		b.fields.Division = b.parseInt32(c, v)
	case colPurchaseOrder:
		b.fields.PurchaseOrder = b.parseInt(c, v)
	case colMovement:
		b.fields.Movement = b.parseInt32(c, v)
	case colEntryDate:
		b.fields.EntryDate = b.parseDate(c, v)
	case colQuantity:
		b.fields.Quantity = b.parseDecimal(c, v, landing.QuantityDigits, landing.QuantityScale)
	case colUnitPrice:
		b.fields.UnitPrice = b.parseDecimal(c, v, landing.QuantityDigits, landing.QuantityScale)
	case colAmount:
		b.fields.Amount = b.parseDecimal(c, v, landing.AmountDigits, landing.AmountScale)
	case colSupplier:
		b.fields.Supplier = &v
	case colInvoiceFolio:
		b.fields.InvoiceFolio = &v
	case colItemCode:
		b.fields.ItemCode = &v
	case colItem:
		b.fields.Item = &v
	case colFunding:
		b.fields.Funding = &v
	case colFolioRB:
		b.fields.FolioRB = &v
	}
}

func (b *rowBuilder) issue(c column, v, reason string) {
	b.issues = append(b.issues, Issue{Row: b.row, Column: c.String(), Value: v, Reason: reason})
}

func (b *rowBuilder) parseInt(c column, v string) *int64 {
	clean := strings.ReplaceAll(v, ",", "")
	if n, err := strconv.ParseInt(clean, 10, 64); err == nil {
		return &n
	}
	// Spreadsheets often render integer cells as 4500123.0.
	if d, err := decimal.NewFromString(clean); err == nil && d.IsInteger() {
		if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
			b.issue(c, v, "out of range")
			return nil
		}
		n := d.IntPart()
		return &n
	}
	b.issue(c, v, "not an integer")
	return nil
}

// parseInt32 parses columns stored as INTEGER.
func (b *rowBuilder) parseInt32(c column, v string) *int64 {
	n := b.parseInt(c, v)
	if n != nil && !landing.FitsInt32(*n) {
		b.issue(c, v, "out of range")
		return nil
	}
	return n
}

// parseDecimal parses a NUMERIC cell with the given integer digits and scale.
func (b *rowBuilder) parseDecimal(c column, v string, digits, scale int32) *decimal.Decimal {
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(v)
	d, err := decimal.NewFromString(clean)
	if err != nil {
		b.issue(c, v, "not a number")
		return nil
	}
	if !landing.FitsNumeric(d, digits, scale) {
		b.issue(c, v, "out of range")
		return nil
	}
	return &d
}

func (b *rowBuilder) parseDate(c column, v string) *time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	b.issue(c, v, "not a date")
	return nil
}

// collect appends the built row to res unless it is blank.
func (b *rowBuilder) collect(res *Result) {
	res.Issues = append(res.Issues, b.issues...)
	if !b.filled {
		res.Skipped++
		return
	}
	res.Rows = append(res.Rows, b.fields)
}

func buildRow(n int, cols []column, record []string, res *Result) {
	b := rowBuilder{row: n}
	for i, raw := range record {
		if i >= len(cols) || cols[i] < 0 {
			continue
		}
		b.set(cols[i], raw)
	}
	b.collect(res)
}
