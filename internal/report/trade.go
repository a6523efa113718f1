package report

import (
	"database/sql"
	"sort"
	"time"
)

// TradeRow is the energy imported from or exported to a neighbouring country.
type TradeRow struct {
	Year      int
	Month     time.Time
	Country   string
	Direction string
	EnergyMWh sql.NullFloat64
}

// ParseTrade reads the IMP-EXP sheet, sorted by (month, direction, country).
func ParseTrade(a Archive) ([]TradeRow, error) {
	l := TradeLayout
	path, err := locate(a, l)
	if err != nil {
		return nil, err
	}
	rows, err := readTable(path, l)
	if err != nil {
		return nil, err
	}

	start := a.Period.Start()
	var out []TradeRow
	for _, r := range rows {
		month, ok := r.inPeriod(start)
		if !ok {
			continue
		}
		mwh, err := r.number(l, path, "monthly_energy_mwh")
		if err != nil {
			return nil, err
		}
		out = append(out, TradeRow{
			Year:      a.Period.Year,
			Month:     month,
			Country:   r.text("pais"),
			Direction: r.text("import_export_type"),
			EnergyMWh: mwh,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Country < out[j].Country
	})
	return out, nil
}
