package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridfeed/cammesa/internal/config"
	"github.com/gridfeed/cammesa/internal/fetch"
	"github.com/gridfeed/cammesa/internal/metrics"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/report"
	"github.com/gridfeed/cammesa/internal/report/reporttest"
	"github.com/gridfeed/cammesa/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	march = period.MustParse("2024-03")
	april = period.MustParse("2024-04")
	may   = period.MustParse("2024-05")
	june  = period.MustParse("2024-06")
	// midJune is the logical date of the reference scenario.
	midJune = time.Date(2024, time.June, 15, 12, 0, 0, 0, period.Location())
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fixture(p period.Month) reporttest.Fixture {
	m := p.Start()
	return reporttest.Fixture{
		Period: p,
		Demand: [][]any{
			reporttest.DemandRow(m, "EDENORDN", "EDENOR S.A.", "DISTRIBUIDOR", "GBA", "Residencial", "T1", 1500.5),
			reporttest.DemandRow(m, "AA2000SD", "AEROPUERTOS", "GUMA", "GBA", "Industrial", "T3", 210.25),
		},
		Generation: [][]any{
			reporttest.GenerationRow(m, "PPLETV01", "PPLE", "CTPPLE", "PIEDRA DEL AGUILA", "TV", "TER", 100.0),
			reporttest.GenerationRow(m, "ALEMHI01", "ALEM", "HIDALEM", "ALICURA", "HI", "HID", 42.0),
		},
		Fuels: [][]any{
			reporttest.FuelRow(m, "PPLETV01", "PPLE", "CTPPLE", "PIEDRA DEL AGUILA", "TV", "TER", "GN", 12.5),
		},
		Availability: [][]any{
			reporttest.AvailabilityRow(m, "PPLE", "CTPPLE", "PIEDRA", "Térmica", "TER", 0.91),
			reporttest.AvailabilityRow(m, "ALEM", "HIDALEM", "ALICURA", "Hidráulica", "HID", 0.5),
		},
		Trade: [][]any{
			reporttest.TradeRow(m, "URUGUAY", "IMPORTACION", 10.0),
			reporttest.TradeRow(m, "CHILE", "EXPORTACION", 5.0),
		},
		Prices: map[string]any{"energia": 12345.67, "monodico": 25000.0},
	}
}

// publisher serves a listing page and the archives it links to.
type publisher struct {
	mu       sync.Mutex
	archives map[string][]byte // file name -> body
	listed   []string          // file names linked from the listing
	down     bool              // listing answers 500
	hits     map[string]int
}

func newPublisher(t *testing.T) (*publisher, *httptest.Server) {
	pub := &publisher{archives: map[string][]byte{}, hits: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/informe/", func(w http.ResponseWriter, r *http.Request) {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		if pub.down {
			http.Error(w, "maintenance", http.StatusInternalServerError)
			return
		}
		var b strings.Builder
		b.WriteString("<html><body><div class=\"listing\">")
		b.WriteString(`<a class="wpdm-download-link" data-downloadurl="/files/informe_sintesis_2024-04.pdf">pdf</a>`)
		for _, name := range pub.listed {
			fmt.Fprintf(&b, `<a class="btn wpdm-download-link" data-downloadurl="/files/%s">zip</a>`, name)
		}
		b.WriteString("</div></body></html>")
		w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		name := path.Base(r.URL.Path)
		pub.hits[name]++
		body, ok := pub.archives[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return pub, srv
}

func (pub *publisher) publish(t *testing.T, fx reporttest.Fixture) {
	pub.publishRaw(ArchiveName(fx.Period), reporttest.ZipFixture(t, fx))
}

func (pub *publisher) publishRaw(name string, body []byte) {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	pub.archives[name] = body
	pub.listed = append(pub.listed, name)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db, config.DriverDuckDB, config.DefaultSchema, store.WithLogger(discard()))
	require.NoError(t, st.InitializeSchema(context.Background()))
	return st
}

// seed marks last as loaded.
func seed(t *testing.T, st *store.Store, last period.Month) {
	t.Helper()
	_, err := st.Upsert(context.Background(), store.MustLookup(store.TableDemand), [][]any{
		{last.Start().Year(), last.Start(), "SEEDAGNT", "GBA", "BUENOS AIRES", "GBA", "Residencial", 1.0, "0000000000"},
	}, store.Provenance{Actor: "seed"})
	require.NoError(t, err)
}

func testConfig(t *testing.T, srv *httptest.Server) config.Config {
	cfg := config.Default()
	cfg.Source.ListingURL = srv.URL + "/informe/"
	cfg.DataDir = t.TempDir()
	cfg.Actor = "etl-test"
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, st Store, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(discard())}, opts...)
	p, err := New(cfg, st, fetch.NewClient(5*time.Second, "cammesa-test"), opts...)
	require.NoError(t, err)
	return p
}

func count(t *testing.T, st *store.Store, table string) int64 {
	t.Helper()
	n, err := st.CountRows(context.Background(), table)
	require.NoError(t, err)
	return n
}

// recorder keeps every observer notification.
type recorder struct {
	planned     []period.Month
	transitions map[period.Month][]State
	finished    *Result
}

func (r *recorder) Planned(p []period.Month) { r.planned = p }

func (r *recorder) Transition(p period.Month, to State, _ Stage, _ error) {
	if r.transitions == nil {
		r.transitions = map[period.Month][]State{}
	}
	r.transitions[p] = append(r.transitions[p], to)
}

func (r *recorder) Finished(res Result) { r.finished = &res }

func TestRunCatchesUpToCurrentMonth(t *testing.T) {
	pub, srv := newPublisher(t)
	pub.publish(t, fixture(april))
	pub.publish(t, fixture(may))

	st := newStore(t)
	seed(t, st, march)
	cfg := testConfig(t, srv)
	cfg.SnapshotDir = t.TempDir()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &recorder{}

	res, err := newPipeline(t, cfg, st, WithMetrics(m), WithObserver(rec)).Run(context.Background(), midJune)
	require.NoError(t, err)

	assert.Equal(t, []period.Month{april, may, june}, res.Plan)
	assert.Equal(t, res.Plan, rec.planned)
	require.Len(t, res.Periods, 3)
	assert.Empty(t, res.Failed())

	for _, pr := range res.Periods[:2] {
		assert.Equal(t, StatePersisted, pr.State, pr.Period.String())
		assert.Equal(t, 2, pr.Rows[store.TableDemand])
		assert.Equal(t, 2, pr.Rows[store.TableGeneration])
		assert.Equal(t, 1, pr.Rows[store.TablePrices])
		assert.Len(t, pr.Snapshots, len(store.Tables))
		assert.NoFileExists(t, filepath.Join(cfg.DataDir, ArchiveName(pr.Period)), "archive is removed after extraction")
		assert.DirExists(t, ExtractDir(cfg.DataDir, pr.Period))
	}
	assert.Equal(t, []State{StateLocated, StateDownloaded, StateExtracted, StateParsed, StateReconciled, StatePersisted},
		rec.transitions[april])

	skipped := res.Periods[2]
	assert.Equal(t, june, skipped.Period)
	assert.Equal(t, StateSkipped, skipped.State)
	assert.Empty(t, skipped.Rows)
	require.Len(t, skipped.Warnings, 1)
	assert.Contains(t, skipped.Warnings[0], "not published")

	assert.EqualValues(t, 1+2+2, count(t, st, store.TableDemand))
	assert.EqualValues(t, 2, count(t, st, store.TablePrices))
	assert.EqualValues(t, 4, count(t, st, store.TableAgents))
	assert.EqualValues(t, 2, count(t, st, store.TableMachines))

	last, err := st.MaxLoadedPeriod(context.Background())
	require.NoError(t, err)
	assert.Equal(t, may, last)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PeriodsTotal.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeriodsTotal.WithLabelValues(metrics.ResultSkipped)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RowsUpsertedTotal.WithLabelValues(store.TableDemand)))

	events, err := st.History(context.Background(), store.HistoryFilter{Period: "2024-06"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventSkip, events[0].Event)
	assert.Equal(t, res.RunID, events[0].RunID)

	require.NotNil(t, rec.finished)
	assert.Equal(t, res.RunID, rec.finished.RunID)
}

func TestRunSkipsWhenUpToDate(t *testing.T) {
	_, srv := newPublisher(t)
	st := newStore(t)
	seed(t, st, june)

	res, err := newPipeline(t, testConfig(t, srv), st).Run(context.Background(), midJune)
	require.NoError(t, err)
	assert.Empty(t, res.Plan)
	assert.Empty(t, res.Periods)
}

func TestRunNeedsBootstrapOnEmptyStore(t *testing.T) {
	_, srv := newPublisher(t)
	st := newStore(t)

	_, err := newPipeline(t, testConfig(t, srv), st).Run(context.Background(), midJune)
	assert.ErrorIs(t, err, period.ErrNoBootstrap)

	plan, last, err := newPipeline(t, testConfig(t, srv), st, WithFirstPeriod(may)).Plan(context.Background(), midJune)
	require.NoError(t, err)
	assert.Equal(t, april, last)
	assert.Equal(t, []period.Month{may, june}, plan)
}

func TestRunIsolatesFailingPeriods(t *testing.T) {
	pub, srv := newPublisher(t)
	pub.publishRaw(ArchiveName(april), []byte("this is not a zip"))
	pub.publish(t, fixture(may))

	st := newStore(t)
	seed(t, st, march)
	cfg := testConfig(t, srv)
	rec := &recorder{}

	res, err := newPipeline(t, cfg, st, WithObserver(rec)).Run(context.Background(), midJune)
	require.Error(t, err)

	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, april, serr.Period)
	assert.Equal(t, StageExtract, serr.Stage)

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, april, failed[0].Period)
	assert.Equal(t, StageExtract, failed[0].FailedStage)
	assert.FileExists(t, filepath.Join(cfg.DataDir, ArchiveName(april)), "a broken archive is kept for inspection")
	assert.Equal(t, StateFailed, rec.transitions[april][len(rec.transitions[april])-1])

	later := res.Periods[1]
	assert.Equal(t, StatePersisted, later.State)
	assert.Equal(t, 2, later.Rows[store.TableGeneration])
	assert.NotContains(t, later.Rows, store.WatermarkTable)
	require.NotEmpty(t, later.Warnings)
	assert.Contains(t, later.Warnings[len(later.Warnings)-1], "held back")
	assert.EqualValues(t, 1, count(t, st, store.TableDemand), "demand of later periods waits for the failed one")
	assert.Equal(t, res.Err, err)

	plan, _, err := newPipeline(t, cfg, st).Plan(context.Background(), midJune)
	require.NoError(t, err)
	assert.Equal(t, []period.Month{april, may, june}, plan)
}

func TestRunPersistsSurvivingReports(t *testing.T) {
	pub, srv := newPublisher(t)
	fx := fixture(april)
	fx.Omit = []report.Kind{report.KindPrices}
	pub.publish(t, fx)

	st := newStore(t)
	seed(t, st, march)

	res, err := newPipeline(t, testConfig(t, srv), st).Run(context.Background(), april.Start().AddDate(0, 0, 20))
	require.Error(t, err)
	var fe *report.FormatError
	assert.True(t, errors.As(err, &fe), "missing workbook surfaces as format drift")

	require.Len(t, res.Periods, 1)
	pr := res.Periods[0]
	assert.Equal(t, StateFailed, pr.State)
	assert.Equal(t, StageParse, pr.FailedStage)
	assert.Equal(t, 2, pr.Rows[store.TableGeneration])
	assert.NotContains(t, pr.Rows, store.TablePrices)
	assert.NotContains(t, pr.Rows, store.WatermarkTable)
	assert.EqualValues(t, 0, count(t, st, store.TablePrices))
	assert.EqualValues(t, 2, count(t, st, store.TableGeneration))
	assert.EqualValues(t, 1, count(t, st, store.TableDemand), "the period stays pending")
}

func TestRunRetriesPeriodWithFailedGeneration(t *testing.T) {
	pub, srv := newPublisher(t)
	fx := fixture(april)
	fx.Omit = []report.Kind{report.KindGeneration}
	pub.publish(t, fx)

	st := newStore(t)
	seed(t, st, march)
	cfg := testConfig(t, srv)
	logical := april.Start().AddDate(0, 0, 20)

	res, err := newPipeline(t, cfg, st).Run(context.Background(), logical)
	require.Error(t, err)
	require.Len(t, res.Periods, 1)
	pr := res.Periods[0]
	assert.Equal(t, StateFailed, pr.State)
	assert.Equal(t, StageParse, pr.FailedStage)
	assert.Equal(t, 2, pr.Rows[store.TableAgents], "demand agents are still written")
	assert.NotContains(t, pr.Rows, store.TableFuels)
	assert.NotContains(t, pr.Rows, store.TableMachines)
	assert.EqualValues(t, 0, count(t, st, store.TableFuels))

	last, err := st.MaxLoadedPeriod(context.Background())
	require.NoError(t, err)
	assert.Equal(t, march, last)

	// Once the archive is fixed upstream the next run picks the period up again.
	pub.mu.Lock()
	pub.listed = nil
	pub.mu.Unlock()
	pub.publish(t, fixture(april))
	require.NoError(t, os.RemoveAll(ExtractDir(cfg.DataDir, april)))

	res, err = newPipeline(t, cfg, st).Run(context.Background(), logical)
	require.NoError(t, err)
	assert.Equal(t, []period.Month{april}, res.Plan)
	assert.Equal(t, StatePersisted, res.Periods[0].State)
	assert.EqualValues(t, 2, count(t, st, store.TableGeneration))
	assert.EqualValues(t, 1, count(t, st, store.TableFuels))

	var orphans int
	err = st.DB().QueryRow(`SELECT COUNT(*) FROM cammesa_db.monthly_demand d
		LEFT JOIN cammesa_db.agents a ON a.agent_id = d.agent_id
		WHERE d.month = DATE '2024-04-01' AND a.agent_id IS NULL`).Scan(&orphans)
	require.NoError(t, err)
	assert.Zero(t, orphans, "every demand agent has an agents row")
}

func TestRunFailsWithoutDemandWorkbook(t *testing.T) {
	pub, srv := newPublisher(t)
	fx := fixture(april)
	fx.Omit = []report.Kind{report.KindDemand}
	pub.publish(t, fx)

	st := newStore(t)
	seed(t, st, march)

	res, err := newPipeline(t, testConfig(t, srv), st).Run(context.Background(), april.Start().AddDate(0, 0, 20))
	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrMissingWorkbook)
	assert.Equal(t, StageParse, res.Periods[0].FailedStage)
	assert.EqualValues(t, 0, count(t, st, store.TableGeneration), "nothing is attempted without the demand report")
}

func TestRunReusesExtractedArchive(t *testing.T) {
	pub, srv := newPublisher(t)
	st := newStore(t)
	seed(t, st, march)
	cfg := testConfig(t, srv)
	reporttest.WriteArchive(t, ExtractDir(cfg.DataDir, april), fixture(april))

	res, err := newPipeline(t, cfg, st).Run(context.Background(), april.Start().AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Len(t, res.Periods, 1)
	assert.True(t, res.Periods[0].Reused)
	assert.Equal(t, StatePersisted, res.Periods[0].State)
	assert.Empty(t, pub.hits)
	assert.EqualValues(t, 1+2, count(t, st, store.TableDemand))
}

func TestRunWithListingDown(t *testing.T) {
	pub, srv := newPublisher(t)
	pub.down = true
	st := newStore(t)
	seed(t, st, march)
	cfg := testConfig(t, srv)
	reporttest.WriteArchive(t, ExtractDir(cfg.DataDir, april), fixture(april))

	res, err := newPipeline(t, cfg, st).Run(context.Background(), may.Start().AddDate(0, 0, 3))
	require.Error(t, err)
	require.Len(t, res.Periods, 2)
	assert.Equal(t, StatePersisted, res.Periods[0].State, "extracted periods proceed without the listing")
	assert.Equal(t, StateFailed, res.Periods[1].State)
	assert.Equal(t, StageLocate, res.Periods[1].FailedStage)

	var fe *fetch.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusInternalServerError, fe.Status)
}

// pinned reports a fixed last loaded period so a run can be repeated.
type pinned struct {
	*store.Store
	last period.Month
}

func (p pinned) MaxLoadedPeriod(context.Context) (period.Month, error) { return p.last, nil }

func TestRerunIsIdempotent(t *testing.T) {
	pub, srv := newPublisher(t)
	pub.publish(t, fixture(april))
	st := newStore(t)
	cfg := testConfig(t, srv)
	src := pinned{Store: st, last: march}
	logical := april.Start().AddDate(0, 0, 20)

	first := time.Date(2024, 5, 2, 20, 0, 0, 0, time.UTC)
	_, err := newPipeline(t, cfg, src, WithClock(func() time.Time { return first })).Run(context.Background(), logical)
	require.NoError(t, err)

	counts := func() map[string]int64 {
		out := map[string]int64{}
		for _, spec := range store.Tables {
			out[spec.Name] = count(t, st, spec.Name)
		}
		return out
	}
	before := counts()

	second := first.Add(24 * time.Hour)
	res, err := newPipeline(t, cfg, src, WithClock(func() time.Time { return second })).Run(context.Background(), logical)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, res.Periods[0].State)
	assert.Equal(t, before, counts())
	assert.Equal(t, 2, pub.hits[ArchiveName(april)])

	var created, updated time.Time
	var actor string
	err = st.DB().QueryRow(`SELECT create_date, update_date, update_user FROM cammesa_db.monthly_demand WHERE agent_id = 'EDENORDN'`).
		Scan(&created, &updated, &actor)
	require.NoError(t, err)
	assert.True(t, created.Equal(first), "creation provenance is kept: %s", created)
	assert.True(t, updated.Equal(second), "update provenance is refreshed: %s", updated)
	assert.Equal(t, "etl-test", actor)
}

func TestRunStopsOnCancel(t *testing.T) {
	pub, srv := newPublisher(t)
	pub.publish(t, fixture(april))
	st := newStore(t)
	seed(t, st, march)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newPipeline(t, testConfig(t, srv), st).Run(ctx, midJune)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Periods)
}

func TestTrigger(t *testing.T) {
	_, srv := newPublisher(t)
	st := newStore(t)
	p := newPipeline(t, testConfig(t, srv), st)
	assert.ErrorIs(t, p.Trigger(context.Background(), midJune), period.ErrNoBootstrap)

	seed(t, st, june)
	assert.NoError(t, p.Trigger(context.Background(), midJune))
}

func TestResolveActor(t *testing.T) {
	assert.Equal(t, "airflow", resolveActor("airflow"))
	assert.NotEmpty(t, resolveActor(""))
}

func TestNewRejectsBadListingURL(t *testing.T) {
	cfg := config.Default()
	cfg.Source.ListingURL = "http://[::1"
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestMain(m *testing.M) {
	slog.SetDefault(discard())
	os.Exit(m.Run())
}
