// Package metrics holds the Prometheus collectors of the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics bundles pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	PeriodsTotal      *prometheus.CounterVec
	TableUpsertsTotal *prometheus.CounterVec
	RowsUpsertedTotal *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	TriggerRunsTotal  *prometheus.CounterVec
}

// New constructs the collectors and registers them with reg, or with the
// default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeriodsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cammesa_periods_total",
				Help: "Periods processed by outcome",
			},
			[]string{"result"},
		),
		TableUpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cammesa_table_upserts_total",
				Help: "Table upserts by table and outcome",
			},
			[]string{"table", "result"},
		),
		RowsUpsertedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cammesa_rows_upserted_total",
				Help: "Rows committed by table",
			},
			[]string{"table"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cammesa_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
			},
			[]string{"stage"},
		),
		TriggerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cammesa_trigger_runs_total",
				Help: "Scheduled pipeline runs by outcome",
			},
			[]string{"result"},
		),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.PeriodsTotal,
		m.TableUpsertsTotal,
		m.RowsUpsertedTotal,
		m.StageDuration,
		m.TriggerRunsTotal,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultOK
}

// Period counts one finished period.
func (m *Metrics) Period(outcome string) {
	if m == nil {
		return
	}
	m.PeriodsTotal.WithLabelValues(outcome).Inc()
}

// Upsert counts one table upsert and, on success, its rows.
func (m *Metrics) Upsert(table string, rows int, err error) {
	if m == nil {
		return
	}
	m.TableUpsertsTotal.WithLabelValues(table, result(err)).Inc()
	if err == nil {
		m.RowsUpsertedTotal.WithLabelValues(table).Add(float64(rows))
	}
}

// Stage records how long a stage took.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Trigger counts one scheduled run.
func (m *Metrics) Trigger(err error) {
	if m == nil {
		return
	}
	m.TriggerRunsTotal.WithLabelValues(result(err)).Inc()
}

// TriggerSkipped counts a firing dropped because a run was still going.
func (m *Metrics) TriggerSkipped() {
	if m == nil {
		return
	}
	m.TriggerRunsTotal.WithLabelValues(ResultSkipped).Inc()
}
