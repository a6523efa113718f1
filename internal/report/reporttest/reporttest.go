// Package reporttest builds monthly report workbooks and archives for tests.
package reporttest

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/report"
	"github.com/xuri/excelize/v2"
)

// Fixture is the content of one period archive. Rows are written below each
// layout's header row in layout column order (see the row helpers).
type Fixture struct {
	Period       period.Month
	Demand       [][]any
	Generation   [][]any
	Fuels        [][]any
	Availability [][]any
	Trade        [][]any
	// Prices maps component names to the period column's value; missing
	// components are left blank. A nil map writes no period column.
	Prices map[string]any
	// Omit lists reports whose workbook is not written at all.
	Omit []report.Kind
}

func (fx Fixture) omitted(k report.Kind) bool {
	for _, o := range fx.Omit {
		if o == k {
			return true
		}
	}
	return false
}

// Month is the first day of the fixture period, as the workbooks store it.
func (fx Fixture) Month() time.Time {
	return fx.Period.Start()
}

// WriteArchive lays out the fixture below root the way an extracted archive looks.
func WriteArchive(t testing.TB, root string, fx Fixture) report.Archive {
	t.Helper()
	a := report.Archive{Root: root, Period: fx.Period}
	tables := map[report.Kind][][]any{
		report.KindDemand:       fx.Demand,
		report.KindGeneration:   fx.Generation,
		report.KindFuels:        fx.Fuels,
		report.KindAvailability: fx.Availability,
		report.KindTrade:        fx.Trade,
	}
	for kind, rows := range tables {
		if fx.omitted(kind) {
			continue
		}
		l := report.Layouts[kind]
		WriteWorkbook(t, a.Path(l), l.Sheet, l.HeaderRow, Header(l), rows)
	}
	if !fx.omitted(report.KindPrices) {
		writePrices(t, a.Path(report.PriceLayout), fx.Period, fx.Prices)
	}
	return a
}

// Header returns header labels for l, with dropped labels placed where the
// publisher puts them.
func Header(l report.Layout) []string {
	if len(l.Drop) == 0 {
		return append([]string(nil), l.Columns...)
	}
	// Region and province sit between the agent description and the machine type.
	var h []string
	for _, c := range l.Columns {
		h = append(h, c)
		if c == "agent_desc" {
			h = append(h, l.Drop...)
		}
	}
	return h
}

// WriteWorkbook writes a single-sheet workbook with a title in A1, the header at
// headerRow and rows directly below it.
func WriteWorkbook(t testing.TB, path, sheet string, headerRow int, header []string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	must(t, f.SetSheetName("Sheet1", sheet))
	must(t, f.SetCellStr(sheet, "A1", "INFORME MENSUAL"))

	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	setRow(t, f, sheet, headerRow, hdr)
	for i, r := range rows {
		setRow(t, f, sheet, headerRow+1+i, r)
	}
	must(t, os.MkdirAll(filepath.Dir(path), 0o755))
	must(t, f.SaveAs(path))
}

func writePrices(t testing.TB, path string, p period.Month, values map[string]any) {
	t.Helper()
	l := report.PriceLayout
	prev := p.Start().AddDate(0, -1, 0)
	header := []any{"COMPONENTES GENERALES", "DETALLE", prev}
	if values != nil {
		header = append(header, p.Start())
	}

	f := excelize.NewFile()
	defer f.Close()
	must(t, f.SetSheetName("Sheet1", l.Sheet))
	setRow(t, f, l.Sheet, l.HeaderRow, header)
	for i, name := range report.PriceComponents {
		row := []any{"PRECIOS", name, 1.0}
		if v, ok := values[name]; ok {
			row = append(row, v)
		}
		setRow(t, f, l.Sheet, l.HeaderRow+1+i, row)
	}
	must(t, os.MkdirAll(filepath.Dir(path), 0o755))
	must(t, f.SaveAs(path))
}

func setRow(t testing.TB, f *excelize.File, sheet string, row int, values []any) {
	t.Helper()
	for i, v := range values {
		if v == nil {
			continue
		}
		ref, err := excelize.CoordinatesToCellName(i+1, row)
		must(t, err)
		must(t, f.SetCellValue(sheet, ref, v))
	}
}

// ZipDir returns a zip of every file below dir, with paths relative to dir.
func ZipDir(t testing.TB, dir string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	must(t, err)
	must(t, zw.Close())
	return buf.Bytes()
}

// ZipFixture builds the archive a publisher would serve for fx.
func ZipFixture(t testing.TB, fx Fixture) []byte {
	t.Helper()
	dir := t.TempDir()
	WriteArchive(t, dir, fx)
	return ZipDir(t, dir)
}

// DemandRow builds a DEMANDA line.
func DemandRow(month time.Time, agentID, agentDesc, demandType, region, tariffDesc, tariffCateg string, mwh any) []any {
	return []any{month.Year(), month, agentID, agentDesc, demandType, region, "BUENOS AIRES", "GBA", "Residencial", tariffDesc, tariffCateg, mwh}
}

// GenerationRow builds a GENERACION line.
func GenerationRow(month time.Time, machineCode, centralID, agentID, agentDesc, machineType, technology string, mwh any) []any {
	return []any{month.Year(), month, machineCode, centralID, agentID, agentDesc, "COMAHUE", "NEUQUEN", "ARGENTINA",
		machineType, "RENOVABLE", technology, nil, "COM", mwh}
}

// FuelRow builds a COMBUSTIBLES line; REGION and PROVINCIA are filled in.
func FuelRow(month time.Time, machineCode, centralID, agentID, agentDesc, machineType, technology, fuel string, consumption any) []any {
	return []any{month.Year(), month, machineCode, centralID, agentID, agentDesc, "COMAHUE", "NEUQUEN",
		machineType, "TERMICA", technology, fuel, consumption}
}

// AvailabilityRow builds a DISPONIBILIDAD x CENTRAL line.
func AvailabilityRow(month time.Time, centralID, agentID, agentDesc, technologyDesc, technology string, factor any) []any {
	return []any{month, centralID, agentID, agentDesc, technologyDesc, technology, factor}
}

// TradeRow builds an IMP-EXP line.
func TradeRow(month time.Time, country, direction string, mwh any) []any {
	return []any{month.Year(), month, country, direction, mwh}
}

func must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
