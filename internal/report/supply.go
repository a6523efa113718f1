package report

import (
	"database/sql"
	"sort"
	"time"

	"github.com/gridfeed/cammesa/internal/ident"
)

// GenerationRow is the energy produced by one machine of a power plant in a month.
type GenerationRow struct {
	Year           int
	Month          time.Time
	MachineCode    string
	CentralID      string
	AgentID        string
	AgentDesc      string
	RegionDesc     string
	ProvDesc       string
	MachineType    string
	SourceGen      string
	Technology     string
	HydraulicCateg string
	RegionCateg    string
	GenerationMWh  sql.NullFloat64
	// MachineID is derived from (MachineCode, MachineType, Technology).
	MachineID string
}

// FuelRow is the fuel consumed by one machine in a month.
type FuelRow struct {
	Year        int
	Month       time.Time
	MachineCode string
	CentralID   string
	AgentID     string
	AgentDesc   string
	MachineType string
	SourceGen   string
	Technology  string
	FuelType    string
	Consumption sql.NullFloat64
	MachineID   string
}

// AvailabilityRow is the availability factor of a plant's technology in a month.
type AvailabilityRow struct {
	Year               int
	Month              time.Time
	CentralID          string
	AgentID            string
	AgentDesc          string
	TechnologyDesc     string
	Technology         string
	AvailabilityFactor sql.NullFloat64
}

// ParseGeneration reads the GENERACION sheet, sorted by (month, machine code).
// The country column carries a single value and is not kept.
func ParseGeneration(a Archive, ids ident.Deriver) ([]GenerationRow, error) {
	l := GenerationLayout
	path, err := locate(a, l)
	if err != nil {
		return nil, err
	}
	rows, err := readTable(path, l)
	if err != nil {
		return nil, err
	}

	start := a.Period.Start()
	var out []GenerationRow
	for _, r := range rows {
		month, ok := r.inPeriod(start)
		if !ok {
			continue
		}
		mwh, err := r.number(l, path, "monthly_gen_mwh")
		if err != nil {
			return nil, err
		}
		g := GenerationRow{
			Year:           a.Period.Year,
			Month:          month,
			MachineCode:    r.text("machine_code"),
			CentralID:      r.text("central_id"),
			AgentID:        r.text("agent_id"),
			AgentDesc:      r.text("agent_desc"),
			RegionDesc:     r.text("region_desc"),
			ProvDesc:       r.text("prov_desc"),
			MachineType:    r.text("machine_type"),
			SourceGen:      r.text("source_gen"),
			Technology:     r.text("technology"),
			HydraulicCateg: r.text("hidraulic_categ"),
			RegionCateg:    r.text("region_categ"),
			GenerationMWh:  mwh,
		}
		g.MachineID = ids.Derive(g.MachineCode, g.MachineType, g.Technology)
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].MachineCode < out[j].MachineCode
	})
	return out, nil
}

// ParseFuels reads the COMBUSTIBLES sheet, sorted by (month, machine code).
// The region and province columns are dropped by label before naming.
func ParseFuels(a Archive, ids ident.Deriver) ([]FuelRow, error) {
	l := FuelLayout
	path, err := locate(a, l)
	if err != nil {
		return nil, err
	}
	rows, err := readTable(path, l)
	if err != nil {
		return nil, err
	}

	start := a.Period.Start()
	var out []FuelRow
	for _, r := range rows {
		month, ok := r.inPeriod(start)
		if !ok {
			continue
		}
		consume, err := r.number(l, path, "monthly_consume")
		if err != nil {
			return nil, err
		}
		f := FuelRow{
			Year:        a.Period.Year,
			Month:       month,
			MachineCode: r.text("machine_code"),
			CentralID:   r.text("central_id"),
			AgentID:     r.text("agent_id"),
			AgentDesc:   r.text("agent_desc"),
			MachineType: r.text("machine_type"),
			SourceGen:   r.text("source_gen"),
			Technology:  r.text("technology"),
			FuelType:    r.text("combustible_type"),
			Consumption: consume,
		}
		f.MachineID = ids.Derive(f.MachineCode, f.MachineType, f.Technology)
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].MachineCode < out[j].MachineCode
	})
	return out, nil
}

// ParseAvailability reads the DISPONIBILIDAD x CENTRAL sheet, sorted by
// (month, plant, technology). The sheet has no year column; it comes from the period.
func ParseAvailability(a Archive) ([]AvailabilityRow, error) {
	l := AvailabilityLayout
	path, err := locate(a, l)
	if err != nil {
		return nil, err
	}
	rows, err := readTable(path, l)
	if err != nil {
		return nil, err
	}

	start := a.Period.Start()
	var out []AvailabilityRow
	for _, r := range rows {
		month, ok := r.inPeriod(start)
		if !ok {
			continue
		}
		factor, err := r.number(l, path, "monthly_availability_factor")
		if err != nil {
			return nil, err
		}
		out = append(out, AvailabilityRow{
			Year:               a.Period.Year,
			Month:              month,
			CentralID:          r.text("central_id"),
			AgentID:            r.text("agent_id"),
			AgentDesc:          r.text("agent_desc"),
			TechnologyDesc:     r.text("technology_desc"),
			Technology:         r.text("technology"),
			AvailabilityFactor: factor,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		if out[i].CentralID != out[j].CentralID {
			return out[i].CentralID < out[j].CentralID
		}
		return out[i].Technology < out[j].Technology
	})
	return out, nil
}
