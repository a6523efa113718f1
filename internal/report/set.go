package report

import (
	"errors"
	"fmt"

	"github.com/gridfeed/cammesa/internal/ident"
	"github.com/gridfeed/cammesa/internal/period"
)

// Set is everything parsed from one period archive. A report that failed to
// parse has an entry in Failed and no rows; the others are unaffected.
type Set struct {
	Period       period.Month
	Demand       []DemandRow
	Generation   []GenerationRow
	Prices       []PriceRow
	Fuels        []FuelRow
	Availability []AvailabilityRow
	Trade        []TradeRow
	Failed       map[Kind]error
}

// ParseAll parses every report of the archive independently.
func ParseAll(a Archive, ids ident.Deriver) Set {
	s := Set{Period: a.Period, Failed: make(map[Kind]error)}
	var err error
	if s.Demand, err = ParseDemand(a, ids); err != nil {
		s.Failed[KindDemand] = err
	}
	if s.Generation, err = ParseGeneration(a, ids); err != nil {
		s.Failed[KindGeneration] = err
	}
	if s.Prices, err = ParsePrices(a); err != nil {
		s.Failed[KindPrices] = err
	}
	if s.Fuels, err = ParseFuels(a, ids); err != nil {
		s.Failed[KindFuels] = err
	}
	if s.Availability, err = ParseAvailability(a); err != nil {
		s.Failed[KindAvailability] = err
	}
	if s.Trade, err = ParseTrade(a); err != nil {
		s.Failed[KindTrade] = err
	}
	return s
}

// OK reports whether every given report parsed.
func (s Set) OK(kinds ...Kind) bool {
	for _, k := range kinds {
		if _, failed := s.Failed[k]; failed {
			return false
		}
	}
	return true
}

// Count returns the number of rows parsed for k.
func (s Set) Count(k Kind) int {
	switch k {
	case KindDemand:
		return len(s.Demand)
	case KindGeneration:
		return len(s.Generation)
	case KindPrices:
		return len(s.Prices)
	case KindFuels:
		return len(s.Fuels)
	case KindAvailability:
		return len(s.Availability)
	case KindTrade:
		return len(s.Trade)
	}
	return 0
}

// Err joins the failures in report order, or returns nil.
func (s Set) Err() error {
	var errs []error
	for _, k := range Kinds {
		if err, ok := s.Failed[k]; ok {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
