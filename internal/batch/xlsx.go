package batch

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX parses a workbook. Cells are read with their display formatting,
// so dates come through as the spreadsheet shows them.
func ReadXLSX(r io.Reader, opts Options) (Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("batch: open xlsx: %w", err)
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return Result{}, fmt.Errorf("batch: read sheet %q: %w", sheet, err)
	}

	var (
		res  Result
		cols []column
	)
	for i, record := range rows {
		if cols == nil {
			if mapped, ok := mapHeader(record); ok {
				cols = mapped
			} else if i+1 >= headerSearchRows {
				break
			}
			continue
		}
		buildRow(i+1, cols, record, &res)
	}
	if cols == nil {
		return res, ErrNoHeader
	}
	return res, nil
}
