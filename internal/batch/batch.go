// Package batch turns upstream CSV and XLSX extracts into landing rows.
//
// Parsing is lossless in the sense that matters for auditing: every non-blank
// data row becomes a landing.Fields value even when some of its cells are
// malformed. A malformed cell is stored as NULL and reported as an Issue so
// the batch can be reviewed without blocking ingestion.
package batch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/saf-gda/saf-gda/internal/landing"
)

// Format identifies a batch file layout.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var (
	// ErrUnknownFormat indicates an unsupported file type.
	ErrUnknownFormat = errors.New("batch: unknown file format")
	// ErrUnknownEncoding indicates an unsupported text encoding.
	ErrUnknownEncoding = errors.New("batch: unknown encoding")
	// ErrNoHeader indicates the file has no recognisable header row.
	ErrNoHeader = errors.New("batch: header row not found")
)

// DetectFormat infers the format from a file name.
func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
}

// Encoding resolves a text encoding name for CSV input.
func Encoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, name)
	}
}

// Issue reports a cell that could not be parsed. Row is 1-based and counts the
// header, matching what a spreadsheet shows.
type Issue struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (i Issue) String() string {
	return fmt.Sprintf("row %d column %s: %s (%q)", i.Row, i.Column, i.Reason, i.Value)
}

// Result holds parsed rows and the issues found along the way.
type Result struct {
	Rows   []landing.Fields `json:"-"`
	Issues []Issue          `json:"issues,omitempty"`
	// Skipped counts blank data rows.
	Skipped int `json:"skipped"`
}
