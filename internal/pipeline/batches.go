package pipeline

import (
	"fmt"

	"github.com/gridfeed/cammesa/internal/ident"
	"github.com/gridfeed/cammesa/internal/reconcile"
	"github.com/gridfeed/cammesa/internal/report"
	"github.com/gridfeed/cammesa/internal/store"
)

// Dimensions are the entities reconciled from one period's reports. A nil
// slice means the reports it is derived from failed to parse.
type Dimensions struct {
	Agents         []reconcile.Agent
	AgentConflicts []string
	Tariffs        []reconcile.Tariff
	Machines       []reconcile.Machine
	Technologies   []reconcile.Technology
}

// tableSources lists the reports every target table is built from. A
// dimension is built when any of its reports parsed; every fact table has a
// single report.
var tableSources = map[string][]report.Kind{
	store.TableTechnologies: {report.KindAvailability},
	store.TableAgents:       {report.KindDemand, report.KindGeneration},
	store.TableTariffs:      {report.KindDemand},
	store.TableMachines:     {report.KindGeneration},
	store.TablePrices:       {report.KindPrices},
	store.TableTrade:        {report.KindTrade},
	store.TableDemand:       {report.KindDemand},
	store.TableGeneration:   {report.KindGeneration},
	store.TableFuels:        {report.KindFuels},
	store.TableAvailability: {report.KindAvailability},
}

// references lists the dimension tables the rows of a fact table point into.
var references = map[string][]string{
	store.TableDemand:       {store.TableAgents, store.TableTariffs},
	store.TableGeneration:   {store.TableAgents, store.TableMachines},
	store.TableFuels:        {store.TableAgents, store.TableMachines},
	store.TableAvailability: {store.TableAgents, store.TableTechnologies},
}

// Sources returns the reports table depends on.
func Sources(table string) []report.Kind {
	return tableSources[table]
}

// References returns the dimension tables a fact table refers to.
func References(table string) []string {
	return references[table]
}

func built(table string, set report.Set) bool {
	for _, k := range Sources(table) {
		if set.OK(k) {
			return true
		}
	}
	return false
}

// Buildable reports whether table can be written for set: one of its reports
// parsed and so did a report behind each dimension it refers to.
func Buildable(table string, set report.Set) bool {
	if !built(table, set) {
		return false
	}
	for _, dim := range References(table) {
		if !built(dim, set) {
			return false
		}
	}
	return true
}

// Reconcile derives the dimension tables from the reports that parsed. Agents
// come from whichever of demand and generation parsed.
func Reconcile(set report.Set, ids ident.Deriver) Dimensions {
	var d Dimensions
	if set.OK(report.KindDemand) || set.OK(report.KindGeneration) {
		demand, gen := set.Demand, set.Generation
		if !set.OK(report.KindDemand) {
			demand = nil
		}
		if !set.OK(report.KindGeneration) {
			gen = nil
		}
		res := reconcile.Agents(demand, gen)
		d.Agents = res.Agents
		d.AgentConflicts = res.Conflicts
	}
	if set.OK(report.KindDemand) {
		d.Tariffs = reconcile.Tariffs(set.Demand, ids)
	}
	if set.OK(report.KindGeneration) {
		d.Machines = reconcile.Machines(set.Generation)
	}
	if set.OK(report.KindAvailability) {
		d.Technologies = reconcile.Technologies(set.Availability)
	}
	return d
}

// Batches maps parsed and reconciled rows onto the target tables, in persist
// order. A table is left out when it is not Buildable, so a fact table is
// never written without the dimension tables it refers to. Tables whose reports parsed
// but produced no rows are included with no rows.
func Batches(set report.Set, dims Dimensions) []store.Batch {
	var out []store.Batch
	for _, spec := range store.Tables {
		if !Buildable(spec.Name, set) {
			continue
		}
		out = append(out, store.Batch{Spec: spec, Rows: rowsFor(spec.Name, set, dims)})
	}
	return out
}

func rowsFor(table string, set report.Set, dims Dimensions) [][]any {
	var rows [][]any
	switch table {
	case store.TableTechnologies:
		for _, t := range dims.Technologies {
			rows = append(rows, []any{t.Code, t.Description})
		}
	case store.TableAgents:
		for _, a := range dims.Agents {
			rows = append(rows, []any{a.ID, a.Description, a.DemandType})
		}
	case store.TableTariffs:
		for _, t := range dims.Tariffs {
			rows = append(rows, []any{t.ID, t.Description, t.Category})
		}
	case store.TableMachines:
		for _, m := range dims.Machines {
			rows = append(rows, []any{m.ID, m.Code, m.Type, m.SourceGen, m.Technology, m.HydraulicCateg})
		}
	case store.TablePrices:
		for _, p := range set.Prices {
			row := []any{p.Month}
			for _, c := range p.Components {
				row = append(row, c)
			}
			rows = append(rows, row)
		}
	case store.TableTrade:
		for _, t := range set.Trade {
			rows = append(rows, []any{t.Year, t.Month, t.Country, t.Direction, t.EnergyMWh})
		}
	case store.TableDemand:
		for _, d := range set.Demand {
			rows = append(rows, []any{d.Year, d.Month, d.AgentID, d.RegionDesc, d.ProvDesc, d.AreaCateg, d.DemandCateg, d.DemandMWh, d.TariffID})
		}
	case store.TableGeneration:
		for _, g := range set.Generation {
			rows = append(rows, []any{g.Year, g.Month, g.CentralID, g.AgentID, g.RegionDesc, g.ProvDesc, g.RegionCateg, g.GenerationMWh, g.MachineID})
		}
	case store.TableFuels:
		for _, f := range set.Fuels {
			rows = append(rows, []any{f.Year, f.Month, f.CentralID, f.AgentID, f.FuelType, f.Consumption, f.MachineID})
		}
	case store.TableAvailability:
		for _, a := range set.Availability {
			rows = append(rows, []any{a.Year, a.Month, a.CentralID, a.AgentID, a.Technology, a.AvailabilityFactor})
		}
	default:
		panic(fmt.Sprintf("pipeline: no row mapping for table %s", table))
	}
	return rows
}
