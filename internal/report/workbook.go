package report

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/xuri/excelize/v2"
)

// ErrMissingWorkbook marks a workbook absent from an extracted archive.
var ErrMissingWorkbook = errors.New("workbook not found in archive")

// FormatError reports a workbook whose structure no longer matches its Layout:
// a missing file or sheet, a short header, or a cell that cannot be read.
type FormatError struct {
	File  string
	Sheet string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s [%s]: %v", filepath.Base(e.File), e.Sheet, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func (l Layout) formatErr(path string, err error) error {
	return &FormatError{File: path, Sheet: l.Sheet, Err: err}
}

// sheetRow is one data row below the header, keyed by canonical column name.
type sheetRow struct {
	num   int
	cells map[string]string
}

// text returns the trimmed cell value.
func (r sheetRow) text(col string) string {
	return strings.TrimSpace(r.cells[col])
}

func (r sheetRow) empty() bool {
	for _, v := range r.cells {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// number parses a numeric cell. Blank cells are null; anything else that is not a
// number is a format error.
func (r sheetRow) number(l Layout, path, col string) (sql.NullFloat64, error) {
	raw := r.text(col)
	if raw == "" {
		return sql.NullFloat64{}, nil
	}
	v, err := parseNumber(raw)
	if err != nil {
		return sql.NullFloat64{}, l.formatErr(path, fmt.Errorf("row %d column %s: %w", r.num, col, err))
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}

// inPeriod reports whether the row's month cell is the first day of start's month.
func (r sheetRow) inPeriod(start time.Time) (time.Time, bool) {
	t, ok := parseDate(r.cells["month"])
	if !ok || !t.Equal(start) {
		return time.Time{}, false
	}
	return t, true
}

// locate finds the workbook for l below the archive, tolerating file names whose
// accents were mangled by the archiver (e.g. "Generacion" or "Generaci¢n").
func locate(a Archive, l Layout) (string, error) {
	want := a.Path(l)
	if _, err := os.Stat(want); err == nil {
		return want, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return want, l.formatErr(want, err)
	}
	dir := filepath.Dir(want)
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && sameName(l.File, e.Name()) {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return want, l.formatErr(want, ErrMissingWorkbook)
}

// sameName compares file names case-insensitively, letting any single rune in
// got stand in for a non-ASCII rune in want.
func sameName(want, got string) bool {
	w, g := []rune(want), []rune(got)
	if len(w) != len(g) {
		return false
	}
	for i := range w {
		if w[i] > unicode.MaxASCII {
			continue
		}
		if unicode.ToLower(w[i]) != unicode.ToLower(g[i]) {
			return false
		}
	}
	return true
}

// readTable opens the workbook at path and returns the rows below the layout's
// header, with columns named per the layout. Fully blank rows are skipped.
func readTable(path string, l Layout) ([]sheetRow, error) {
	rows, err := readSheet(path, l)
	if err != nil {
		return nil, err
	}
	if len(rows) < l.HeaderRow {
		return nil, l.formatErr(path, fmt.Errorf("header row %d not found (sheet has %d rows)", l.HeaderRow, len(rows)))
	}

	header := rows[l.HeaderRow-1]
	var keep []int
	dropped := 0
	for i := 0; i < l.Width(); i++ {
		label := cell(header, i)
		if strings.TrimSpace(label) == "" {
			name, _ := excelize.ColumnNumberToName(i + 1)
			return nil, l.formatErr(path, fmt.Errorf("missing column %s in header row %d", name, l.HeaderRow))
		}
		if l.drops(label) {
			dropped++
			continue
		}
		keep = append(keep, i)
	}
	if dropped != len(l.Drop) || len(keep) != len(l.Columns) {
		return nil, l.formatErr(path, fmt.Errorf("header row %d: expected columns %v after dropping %v", l.HeaderRow, l.Columns, l.Drop))
	}

	var out []sheetRow
	for i := l.HeaderRow; i < len(rows); i++ {
		r := sheetRow{num: i + 1, cells: make(map[string]string, len(keep))}
		for j, idx := range keep {
			r.cells[l.Columns[j]] = cell(rows[i], idx)
		}
		if r.empty() {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func readSheet(path string, l Layout) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, l.formatErr(path, fmt.Errorf("open workbook: %w", err))
	}
	defer f.Close()

	rows, err := f.GetRows(l.Sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, l.formatErr(path, fmt.Errorf("read sheet: %w", err))
	}
	return rows, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006",
}

// parseDate reads a date cell stored either as an Excel serial number or as text.
// The result is at UTC midnight.
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, false
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// parseNumber accepts both '.' and ',' as the decimal mark. Text cells in these
// workbooks use the Spanish convention ("1234,5"); numeric cells come through as
// their raw XML value ("1234.5", "1.2E-3").
func parseNumber(raw string) (float64, error) {
	v, err := strconv.ParseFloat(normalizeNumber(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return v, nil
}

func normalizeNumber(raw string) string {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			// "1.234,5": dots are thousands separators.
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	return s
}
