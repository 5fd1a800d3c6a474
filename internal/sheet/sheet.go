// Package sheet renders an export table as a downloadable file.
package sheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xuri/excelize/v2"
)

// Format is an export file type.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
	JSON Format = "json"
)

// SheetName is the worksheet name used in spreadsheet exports.
const SheetName = "GAMES"

// Formats lists every supported format in display order.
var Formats = []Format{XLSX, CSV, JSON}

// ErrInvalidFormat is returned for a format outside Formats.
var ErrInvalidFormat = errors.New("sheet: invalid format")

// Table is a header plus rows. Cells hold strings, integers, booleans, or
// nil for an empty cell.
type Table struct {
	Header []string
	Rows   [][]any
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// Parse validates s as a Format.
func Parse(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !Valid(f) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return f, nil
}

// Valid reports whether f is a supported format.
func Valid(f Format) bool {
	for _, v := range Formats {
		if f == v {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type for f.
func ContentType(f Format) string {
	switch f {
	case CSV:
		return "text/csv; charset=utf-8"
	case XLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case JSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Filename returns the download name for f.
func Filename(f Format) string {
	return "games." + string(f)
}

// Write encodes t to w as f.
func Write(w io.Writer, f Format, t *Table) error {
	switch f {
	case CSV:
		return writeCSV(w, t)
	case XLSX:
		return writeXLSX(w, t)
	case JSON:
		return writeJSON(w, t)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, f)
	}
}

// writeCSV uses tabs as the delimiter, which spreadsheet programs open
// without an import dialog.
func writeCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("sheet: write csv header: %w", err)
	}
	record := make([]string, len(t.Header))
	for i, row := range t.Rows {
		for j := range record {
			record[j] = ""
			if j < len(row) {
				record[j] = cellString(row[j])
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("sheet: write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("sheet: flush csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("sheet: name worksheet: %w", err)
	}
	header := make([]any, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("sheet: write xlsx header: %w", err)
	}
	for i, row := range t.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = cellValue(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("sheet: xlsx row %d: %w", i, err)
		}
		if err := f.SetSheetRow(SheetName, cell, &cells); err != nil {
			return fmt.Errorf("sheet: write xlsx row %d: %w", i, err)
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("sheet: write xlsx: %w", err)
	}
	return nil
}

// writeJSON emits an array of objects keyed by header.
func writeJSON(w io.Writer, t *Table) error {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		obj := make(map[string]any, len(t.Header))
		for j, h := range t.Header {
			if j < len(row) {
				obj[h] = cellValue(row[j])
			} else {
				obj[h] = nil
			}
		}
		out = append(out, obj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("sheet: write json: %w", err)
	}
	return nil
}

// cellValue dereferences pointer cells so encoders see plain values.
func cellValue(v any) any {
	switch x := v.(type) {
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	case *string:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

func cellString(v any) string {
	switch x := cellValue(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
