// Package period models the monthly reporting periods of the wholesale market
// and plans which of them are still to be loaded.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoBootstrap is returned by Plan when the store holds no loaded period yet.
// The gap detector has nothing to count from; an operator must seed the first
// period explicitly (run --bootstrap YYYY-MM).
var ErrNoBootstrap = errors.New("no period loaded yet: bootstrap the first period explicitly")

// marketLocation is the wall clock the reports are published against (UTC-3,
// Argentina observes no daylight saving).
var marketLocation = time.FixedZone("ART", -3*60*60)

// Location returns the fixed market time zone used to decide the current month.
func Location() *time.Location {
	return marketLocation
}

// Month identifies one calendar month, the unit of ingestion.
// The zero value means "unknown".
type Month struct {
	Year  int
	Month time.Month
}

// Of returns the month containing t, evaluated in t's own location.
func Of(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// Parse reads a "YYYY-MM" label. A trailing day ("YYYY-MM-DD") is accepted and ignored.
func Parse(s string) (Month, error) {
	s = strings.TrimSpace(s)
	if len(s) > len("2006-01") {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return Month{}, fmt.Errorf("invalid period %q: want YYYY-MM", s)
		}
		return Of(t), nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid period %q: want YYYY-MM", s)
	}
	return Of(t), nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Month {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// IsZero reports whether m is the unknown month.
func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// String renders the canonical "YYYY-MM" label.
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// DirName is the on-disk label "YYYY_MM" used for extraction and snapshot directories.
func (m Month) DirName() string {
	return fmt.Sprintf("%04d_%02d", m.Year, int(m.Month))
}

// Start returns midnight UTC of the first day of the month. Month columns in the
// store are DATE values equal to this instant.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// FirstDay renders Start as "YYYY-MM-DD".
func (m Month) FirstDay() string {
	return m.Start().Format("2006-01-02")
}

// Next returns the following month, rolling December over into January.
func (m Month) Next() Month {
	return Of(m.Start().AddDate(0, 1, 0))
}

// Prev returns the preceding month.
func (m Month) Prev() Month {
	return Of(m.Start().AddDate(0, -1, 0))
}

// Before reports whether m is strictly earlier than o.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// Plan returns every month after last up to and including the month containing
// now (evaluated in the market time zone), in ascending order. The current month
// is included on purpose: its archive usually is not published yet, and the
// listing stage reports that as a completeness warning rather than a failure.
// A last month at or beyond the current one yields an empty plan.
func Plan(now time.Time, last Month) ([]Month, error) {
	if last.IsZero() {
		return nil, ErrNoBootstrap
	}
	current := Of(now.In(marketLocation))
	var months []Month
	for m := last.Next(); !current.Before(m); m = m.Next() {
		months = append(months, m)
	}
	return months, nil
}

// Strings renders a slice of months as labels, for logging.
func Strings(months []Month) []string {
	out := make([]string, len(months))
	for i, m := range months {
		out[i] = m.String()
	}
	return out
}
