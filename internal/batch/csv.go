package batch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// headerSearchRows bounds how many leading records may precede the header
// (report titles, export banners).
const headerSearchRows = 10

// Options tunes parsing.
type Options struct {
	// Encoding of CSV input; empty means UTF-8.
	Encoding string
	// Comma overrides delimiter detection for CSV input.
	Comma rune
	// Sheet selects the XLSX worksheet; empty means the first one.
	Sheet string
}

// Parse reads a batch file of the given format.
func Parse(r io.Reader, format Format, opts Options) (Result, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r, opts)
	case FormatXLSX:
		return ReadXLSX(r, opts)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// ReadCSV parses a delimited extract. A byte order mark overrides the
// configured encoding.
func ReadCSV(r io.Reader, opts Options) (Result, error) {
	enc, err := Encoding(opts.Encoding)
	if err != nil {
		return Result{}, err
	}
	br := bufio.NewReader(transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())))
	comma := opts.Comma
	if comma == 0 {
		comma = sniffDelimiter(br)
	}

	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		res  Result
		cols []column
	)
	for n := 0; ; n++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Issues = append(res.Issues, Issue{Row: perr.StartLine, Reason: perr.Err.Error()})
				continue
			}
			return res, fmt.Errorf("batch: read csv: %w", err)
		}
		if cols == nil {
			mapped, ok := mapHeader(record)
			if ok {
				cols = mapped
				continue
			}
			if n+1 >= headerSearchRows {
				return res, ErrNoHeader
			}
			continue
		}
		line, _ := cr.FieldPos(0)
		buildRow(line, cols, record, &res)
	}
	if cols == nil {
		return res, ErrNoHeader
	}
	return res, nil
}

// sniffDelimiter picks the most frequent candidate delimiter on the first line.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	best, bestCount := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(peek, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}
