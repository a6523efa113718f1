// Package report turns the monthly report workbooks into typed row sets.
//
// Every workbook is described by a Layout: sheet name, the worksheet row holding
// the column labels, the canonical column names assigned positionally from column A,
// and the header labels dropped before that assignment. Format drift in the
// publisher's files therefore shows up as a diff of this table, not of parser code.
package report

import (
	"path/filepath"
	"strings"

	"github.com/gridfeed/cammesa/internal/period"
)

// Kind names a report within a period archive.
type Kind string

const (
	KindDemand       Kind = "demand"
	KindGeneration   Kind = "generation"
	KindPrices       Kind = "prices"
	KindFuels        Kind = "fuels"
	KindAvailability Kind = "availability"
	KindTrade        Kind = "import_export"
)

// Kinds lists every report in parse order.
var Kinds = []Kind{KindDemand, KindGeneration, KindPrices, KindFuels, KindAvailability, KindTrade}

const (
	demandDir     = "Bases_Demanda_INFORME_MENSUAL"
	supplyDir     = "Bases_Oferta_INFORME_MENSUAL"
	additionalDir = "Bases_Adicionales_INFORME_MENSUAL"
)

// Layout describes where a report's table lives inside its workbook.
type Layout struct {
	Kind Kind
	// Dir and File locate the workbook below the period's BASE_INFORME_MENSUAL_<YYYY-MM> folder.
	Dir  string
	File string

	Sheet string
	// HeaderRow is the 1-based worksheet row holding the column labels.
	HeaderRow int
	// Columns are the canonical names given, left to right, to the header cells
	// that remain after Drop is applied.
	Columns []string
	// Drop lists header labels removed before positional naming. Each must be present.
	Drop []string
}

// Width is the number of worksheet columns read, starting at column A.
func (l Layout) Width() int {
	return len(l.Columns) + len(l.Drop)
}

func (l Layout) drops(label string) bool {
	label = strings.TrimSpace(label)
	for _, d := range l.Drop {
		if strings.EqualFold(label, d) {
			return true
		}
	}
	return false
}

var (
	DemandLayout = Layout{
		Kind:      KindDemand,
		Dir:       demandDir,
		File:      "Demanda Mensual.xlsx",
		Sheet:     "DEMANDA",
		HeaderRow: 24,
		Columns: []string{
			"year", "month", "agent_id", "agent_desc", "agent_dem_type", "region_desc", "prov_desc",
			"area_categ", "demand_categ", "tariff_desc", "tariff_categ", "monthly_demand_mwh",
		},
	}

	GenerationLayout = Layout{
		Kind:      KindGeneration,
		Dir:       supplyDir,
		File:      "Generación Local Mensual.xlsx",
		Sheet:     "GENERACION",
		HeaderRow: 22,
		Columns: []string{
			"year", "month", "machine_code", "central_id", "agent_id", "agent_desc", "region_desc", "prov_desc",
			"pais", "machine_type", "source_gen", "technology", "hidraulic_categ", "region_categ", "monthly_gen_mwh",
		},
	}

	// PriceLayout is transposed: months run across the header row and each data
	// row is one price component. Columns lists the components in sheet order.
	PriceLayout = Layout{
		Kind:      KindPrices,
		Dir:       additionalDir,
		File:      "Precios Mensuales.xlsx",
		Sheet:     "PRECIOS",
		HeaderRow: 5,
		Columns:   PriceComponents,
	}

	FuelLayout = Layout{
		Kind:      KindFuels,
		Dir:       supplyDir,
		File:      "Combustibles Mensual.xlsx",
		Sheet:     "COMBUSTIBLES",
		HeaderRow: 22,
		Columns: []string{
			"year", "month", "machine_code", "central_id", "agent_id", "agent_desc", "machine_type",
			"source_gen", "technology", "combustible_type", "monthly_consume",
		},
		Drop: []string{"REGION", "PROVINCIA"},
	}

	AvailabilityLayout = Layout{
		Kind:      KindAvailability,
		Dir:       supplyDir,
		File:      "Disponibilidad Mensual.xlsx",
		Sheet:     "DISPONIBILIDAD x CENTRAL",
		HeaderRow: 22,
		Columns: []string{
			"month", "central_id", "agent_id", "agent_desc", "technology_desc", "technology", "monthly_availability_factor",
		},
	}

	TradeLayout = Layout{
		Kind:      KindTrade,
		Dir:       additionalDir,
		File:      "Import-Export Mensual.xlsx",
		Sheet:     "IMP-EXP",
		HeaderRow: 28,
		Columns:   []string{"year", "month", "pais", "import_export_type", "monthly_energy_mwh"},
	}
)

// Layouts indexes every layout by report kind.
var Layouts = map[Kind]Layout{
	KindDemand:       DemandLayout,
	KindGeneration:   GenerationLayout,
	KindPrices:       PriceLayout,
	KindFuels:        FuelLayout,
	KindAvailability: AvailabilityLayout,
	KindTrade:        TradeLayout,
}

// Archive is an extracted period archive on disk.
type Archive struct {
	// Root is the extraction directory, <data>/<YYYY_MM>.
	Root   string
	Period period.Month
}

// BaseDir is the top-level folder the publisher puts inside every archive.
func (a Archive) BaseDir() string {
	return filepath.Join(a.Root, "BASE_INFORME_MENSUAL_"+a.Period.String())
}

// Path returns the expected location of the workbook described by l.
func (a Archive) Path(l Layout) string {
	return filepath.Join(a.BaseDir(), l.Dir, l.File)
}
