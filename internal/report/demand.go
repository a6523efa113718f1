package report

import (
	"database/sql"
	"sort"
	"time"

	"github.com/gridfeed/cammesa/internal/ident"
)

// DemandRow is one line of the monthly demand report: energy billed to an agent
// in a region under a tariff.
type DemandRow struct {
	Year            int
	Month           time.Time
	AgentID         string
	AgentDesc       string
	AgentDemandType string
	RegionDesc      string
	ProvDesc        string
	AreaCateg       string
	DemandCateg     string
	TariffDesc      string
	TariffCateg     string
	DemandMWh       sql.NullFloat64
	// TariffID is derived from (TariffDesc, TariffCateg).
	TariffID string
}

// ParseDemand reads the DEMANDA sheet of the archive's demand workbook, keeping
// only rows of the archive's period, sorted by (month, agent id).
func ParseDemand(a Archive, ids ident.Deriver) ([]DemandRow, error) {
	l := DemandLayout
	path, err := locate(a, l)
	if err != nil {
		return nil, err
	}
	rows, err := readTable(path, l)
	if err != nil {
		return nil, err
	}

	start := a.Period.Start()
	var out []DemandRow
	for _, r := range rows {
		month, ok := r.inPeriod(start)
		if !ok {
			continue
		}
		mwh, err := r.number(l, path, "monthly_demand_mwh")
		if err != nil {
			return nil, err
		}
		d := DemandRow{
			Year:            a.Period.Year,
			Month:           month,
			AgentID:         r.text("agent_id"),
			AgentDesc:       r.text("agent_desc"),
			AgentDemandType: r.text("agent_dem_type"),
			RegionDesc:      r.text("region_desc"),
			ProvDesc:        r.text("prov_desc"),
			AreaCateg:       r.text("area_categ"),
			DemandCateg:     r.text("demand_categ"),
			TariffDesc:      r.text("tariff_desc"),
			TariffCateg:     r.text("tariff_categ"),
			DemandMWh:       mwh,
		}
		d.TariffID = ids.Derive(d.TariffDesc, d.TariffCateg)
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// Available reports whether the archive holds the demand workbook. The demand
// report anchors a period: without it nothing else is attempted.
func Available(a Archive) bool {
	_, err := locate(a, DemandLayout)
	return err == nil
}

