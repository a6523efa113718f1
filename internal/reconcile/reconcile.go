// Package reconcile derives the dimension tables (agents, tariffs, machines and
// generation technologies) from a period's parsed fact rows.
//
// Every function is pure and deterministic for a given input order; the report
// parsers sort their output, so reconciliation of the same workbooks always
// produces the same rows.
package reconcile

import (
	"sort"
	"strings"
	"unicode"

	"github.com/gridfeed/cammesa/internal/ident"
	"github.com/gridfeed/cammesa/internal/report"
)

// DescriptionSeparator joins the differing descriptions of one agent.
const DescriptionSeparator = " | "

// Agent is a market participant seen in the demand or generation reports.
type Agent struct {
	ID          string
	Description string
	// DemandType is empty for agents only seen in generation.
	DemandType string
}

// Tariff is a distinct (description, category) pair from the demand report.
type Tariff struct {
	ID          string
	Description string
	Category    string
}

// Machine is a generating unit.
type Machine struct {
	ID             string
	Code           string
	Type           string
	SourceGen      string
	Technology     string
	HydraulicCateg string
}

// Technology is a generation technology code with its description.
type Technology struct {
	Code        string
	Description string
}

// BaselineTechnologies are always present in the technology table, whether or
// not the period's availability report mentions them.
var BaselineTechnologies = []Technology{
	{Code: "HID", Description: "Hidráulica"},
	{Code: "EOL", Description: "Eólica"},
	{Code: "BIOM", Description: "Biomasa"},
	{Code: "MHID", Description: "MHID"},
	{Code: "SOL", Description: "Solar"},
	{Code: "HR", Description: "HR"},
}

// agentLabels collects descriptions per agent id in encounter order.
type agentLabels struct {
	order []string
	descs map[string][]string
}

func newAgentLabels() *agentLabels {
	return &agentLabels{descs: make(map[string][]string)}
}

// add records desc for id unless an equal description (ignoring whitespace) is
// already known.
func (l *agentLabels) add(id, desc string) {
	known, seen := l.descs[id]
	if !seen {
		l.order = append(l.order, id)
	}
	for _, k := range known {
		if squash(k) == squash(desc) {
			return
		}
	}
	l.descs[id] = append(known, desc)
}

// merged returns the joined description when id has more than one, and whether it did.
func (l *agentLabels) merged(id string) (string, bool) {
	d := l.descs[id]
	if len(d) < 2 {
		return "", false
	}
	return strings.Join(d, DescriptionSeparator), true
}

// Conflicts lists agent ids with more than two distinct descriptions, which are
// worth a log line.
func (l *agentLabels) conflicts() []string {
	var ids []string
	for _, id := range l.order {
		if len(l.descs[id]) > 2 {
			ids = append(ids, id)
		}
	}
	return ids
}

// squash removes all whitespace, for description comparison.
func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// AgentResult is the reconciled agent table plus the ids whose descriptions
// disagreed more than twice.
type AgentResult struct {
	Agents    []Agent
	Conflicts []string
}

// Agents merges the agents of the demand and generation reports.
//
// Demand agents are de-duplicated keeping the first row per id; generation
// agents keep the last row per id. An id carrying differing descriptions within
// one report gets every distinct description joined with DescriptionSeparator.
// The result lists all demand agents followed by the generation agents whose id
// never appears in demand.
func Agents(demand []report.DemandRow, gen []report.GenerationRow) AgentResult {
	var res AgentResult

	demandLabels := newAgentLabels()
	demandByID := make(map[string]Agent)
	for _, d := range demand {
		demandLabels.add(d.AgentID, d.AgentDesc)
		if _, ok := demandByID[d.AgentID]; ok {
			continue
		}
		demandByID[d.AgentID] = Agent{ID: d.AgentID, Description: d.AgentDesc, DemandType: d.AgentDemandType}
	}
	for _, id := range demandLabels.order {
		a := demandByID[id]
		if desc, ok := demandLabels.merged(id); ok {
			a.Description = desc
		}
		res.Agents = append(res.Agents, a)
	}

	genLabels := newAgentLabels()
	genDesc := make(map[string]string)
	var genOrder []string
	for _, g := range gen {
		genLabels.add(g.AgentID, g.AgentDesc)
		if _, ok := genDesc[g.AgentID]; !ok {
			genOrder = append(genOrder, g.AgentID)
		}
		genDesc[g.AgentID] = g.AgentDesc
	}
	for _, id := range lastOccurrenceOrder(gen, genOrder) {
		if _, inDemand := demandByID[id]; inDemand {
			continue
		}
		a := Agent{ID: id, Description: genDesc[id]}
		if desc, ok := genLabels.merged(id); ok {
			a.Description = desc
		}
		res.Agents = append(res.Agents, a)
	}

	res.Conflicts = append(demandLabels.conflicts(), genLabels.conflicts()...)
	return res
}

// lastOccurrenceOrder orders ids by the position of their last row, the order a
// keep-last de-duplication leaves them in.
func lastOccurrenceOrder(gen []report.GenerationRow, ids []string) []string {
	last := make(map[string]int, len(ids))
	for i, g := range gen {
		last[g.AgentID] = i
	}
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool { return last[out[i]] < last[out[j]] })
	return out
}

// Tariffs returns the distinct tariffs of the demand report sorted by
// description. Pairs that normalize to the same identifier are kept once, with
// the first spelling seen.
func Tariffs(demand []report.DemandRow, ids ident.Deriver) []Tariff {
	seen := make(map[string]bool)
	var out []Tariff
	for _, d := range demand {
		id := d.TariffID
		if id == "" {
			id = ids.Derive(d.TariffDesc, d.TariffCateg)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Tariff{ID: id, Description: d.TariffDesc, Category: d.TariffCateg})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Description < out[j].Description })
	return out
}

// Machines returns one machine per machine id, keeping the first row seen.
func Machines(gen []report.GenerationRow) []Machine {
	seen := make(map[string]bool)
	var out []Machine
	for _, g := range gen {
		if seen[g.MachineID] {
			continue
		}
		seen[g.MachineID] = true
		out = append(out, Machine{
			ID:             g.MachineID,
			Code:           g.MachineCode,
			Type:           g.MachineType,
			SourceGen:      g.SourceGen,
			Technology:     g.Technology,
			HydraulicCateg: g.HydraulicCateg,
		})
	}
	return out
}

// Technologies returns the technologies observed in the availability report
// followed by any BaselineTechnologies not observed. Codes are unique: the first
// observed description wins, and an observed code shadows its baseline entry.
func Technologies(avail []report.AvailabilityRow) []Technology {
	seen := make(map[string]bool)
	var out []Technology
	for _, a := range avail {
		if a.Technology == "" || seen[a.Technology] {
			continue
		}
		seen[a.Technology] = true
		out = append(out, Technology{Code: a.Technology, Description: a.TechnologyDesc})
	}
	for _, b := range BaselineTechnologies {
		if seen[b.Code] {
			continue
		}
		seen[b.Code] = true
		out = append(out, b)
	}
	return out
}
