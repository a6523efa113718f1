package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceComponents are the monthly price components in the order the PRECIOS
// sheet lists them, named as the store columns.
var PriceComponents = []string{
	"energia",
	"energia_ad",
	"sobrecost_comb",
	"sobrecost_transit_despacho",
	"cargo_demanda_exced_real",
	"cta_brasil_abast_MEM",
	"compra_conj_MEM",
	"pot_despachada",
	"pot_serv_asoc",
	"pot_res_corto_plzo_serv_res_intantanea",
	"pot_res_med_plzo",
	"monodico",
	"transp_alta_tens_distrib_troncal",
	"transp_alta_tens",
	"transp_distrib_troncal",
	"monodico_transp",
	"monodico_ponder_estacional_otr_ingr",
	"monodico_ponder_estacional_transp",
}

// zeroFilled components are published blank in months where they do not apply.
var zeroFilled = map[string]bool{
	"pot_despachada":                    true,
	"pot_serv_asoc":                     true,
	"compra_conj_MEM":                   true,
	"monodico_ponder_estacional_transp": true,
}

const (
	priceDetailLabel  = "DETALLE"
	priceGeneralLabel = "COMPONENTES GENERALES"
)

// PriceRow holds every price component of one month. Components is aligned with
// PriceComponents; a blank cell is null unless the component is zero-filled.
type PriceRow struct {
	Month      time.Time
	Components []decimal.NullDecimal
}

// Component returns the named component, or null for an unknown name.
func (p PriceRow) Component(name string) decimal.NullDecimal {
	for i, c := range PriceComponents {
		if c == name && i < len(p.Components) {
			return p.Components[i]
		}
	}
	return decimal.NullDecimal{}
}

// ParsePrices reads the transposed PRECIOS sheet. Months run across the header
// row next to the DETALLE and COMPONENTES GENERALES label columns; the rows below
// are the components in PriceComponents order. The result is empty when the
// workbook has no column for the archive's period.
func ParsePrices(a Archive) ([]PriceRow, error) {
	l := PriceLayout
	path, err := locate(a, l)
	if err != nil {
		return nil, err
	}
	rows, err := readSheet(path, l)
	if err != nil {
		return nil, err
	}
	if len(rows) < l.HeaderRow {
		return nil, l.formatErr(path, fmt.Errorf("header row %d not found (sheet has %d rows)", l.HeaderRow, len(rows)))
	}

	start := a.Period.Start()
	detailCol, generalCol, periodCol := -1, -1, -1
	for i, label := range rows[l.HeaderRow-1] {
		label = strings.TrimSpace(label)
		switch {
		case strings.EqualFold(label, priceDetailLabel):
			detailCol = i
		case strings.EqualFold(label, priceGeneralLabel):
			generalCol = i
		default:
			if t, ok := parseDate(label); ok && t.Equal(start) && periodCol < 0 {
				periodCol = i
			}
		}
	}
	if detailCol < 0 || generalCol < 0 {
		return nil, l.formatErr(path, fmt.Errorf("header row %d: label columns %q and %q not found", l.HeaderRow, priceDetailLabel, priceGeneralLabel))
	}
	if periodCol < 0 {
		return nil, nil
	}

	var lines [][]string
	var lineNums []int
	for i := l.HeaderRow; i < len(rows) && len(lines) < len(PriceComponents); i++ {
		if blankRow(rows[i]) {
			continue
		}
		lines = append(lines, rows[i])
		lineNums = append(lineNums, i+1)
	}
	if len(lines) < len(PriceComponents) {
		return nil, l.formatErr(path, fmt.Errorf("expected %d component rows below header, found %d", len(PriceComponents), len(lines)))
	}

	p := PriceRow{Month: start, Components: make([]decimal.NullDecimal, len(PriceComponents))}
	for k, name := range PriceComponents {
		raw := strings.TrimSpace(cell(lines[k], periodCol))
		if raw == "" {
			if zeroFilled[name] {
				p.Components[k] = decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}
			}
			continue
		}
		d, err := decimal.NewFromString(normalizeNumber(raw))
		if err != nil {
			return nil, l.formatErr(path, fmt.Errorf("row %d component %s: not a number: %q", lineNums[k], name, raw))
		}
		p.Components[k] = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return []PriceRow{p}, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
