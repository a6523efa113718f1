package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var april = period.MustParse("2024-04")

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openDuck(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteAndSummarize(t *testing.T) {
	dir := t.TempDir()
	demand := store.Batch{
		Spec: store.MustLookup(store.TableDemand),
		Rows: [][]any{
			{2024, april.Start(), "EDENORD", "GBA", "BUENOS AIRES", "GBA", "Residencial", sql.NullFloat64{Float64: 1250.5, Valid: true}, "2aaef69530"},
			{2024, april.Start(), "EDESURD", "GBA", "BUENOS AIRES", "GBA", "Residencial", sql.NullFloat64{}, "2aaef69530"},
		},
	}
	agents := store.Batch{
		Spec: store.MustLookup(store.TableAgents),
		Rows: [][]any{{"EDENORD", "Edenor", "Distribuidor"}},
	}
	empty := store.Batch{Spec: store.MustLookup(store.TableFuels)}

	paths, err := WritePeriod(dir, april, []store.Batch{demand, agents, empty}, discard())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "2024_04", "monthly_demand.parquet"), paths[0])
	assert.NoFileExists(t, Path(dir, april, store.TableFuels), "empty batches are skipped")

	leftovers, _ := filepath.Glob(filepath.Join(dir, "2024_04", "*.tmp"))
	assert.Empty(t, leftovers)

	db := openDuck(t)
	var (
		agent string
		mwh   sql.NullFloat64
		year  int32
		month string
	)
	err = db.QueryRow(`SELECT agent_id, monthly_demand_mwh, year, month FROM read_parquet('`+filepath.ToSlash(paths[0])+`') ORDER BY agent_id`).
		Scan(&agent, &mwh, &year, &month)
	require.NoError(t, err)
	assert.Equal(t, "EDENORD", agent)
	assert.Equal(t, 1250.5, mwh.Float64)
	assert.EqualValues(t, 2024, year)
	assert.Equal(t, "2024-04-01", month)

	summaries, err := Summarize(context.Background(), db, dir, discard())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, store.TableAgents, summaries[0].Table)
	assert.EqualValues(t, 1, summaries[0].Rows)
	assert.Empty(t, summaries[0].FirstDay)
	assert.Equal(t, store.TableDemand, summaries[1].Table)
	assert.EqualValues(t, 2, summaries[1].Rows)
	assert.Equal(t, []string{"2024_04"}, summaries[1].Periods)
	assert.Equal(t, "2024-04-01", summaries[1].LastDay)
	assert.Contains(t, summaries[1].Columns, "tariff_id")

	var out bytes.Buffer
	Print(&out, summaries)
	assert.Contains(t, out.String(), "monthly_demand")
}

func TestWriteDecimals(t *testing.T) {
	dir := t.TempDir()
	spec := store.MustLookup(store.TablePrices)
	row := make([]any, len(spec.Columns))
	row[0] = april.Start()
	for i := 1; i < len(row); i++ {
		row[i] = decimal.NullDecimal{Decimal: decimal.RequireFromString("12.345678"), Valid: true}
	}
	row[spec.Index("pot_despachada")] = decimal.NullDecimal{}

	path, err := Write(dir, april, store.Batch{Spec: spec, Rows: [][]any{row}})
	require.NoError(t, err)

	var energia string
	var pot sql.NullString
	err = openDuck(t).QueryRow(`SELECT energia, pot_despachada FROM read_parquet('` + filepath.ToSlash(path) + `')`).Scan(&energia, &pot)
	require.NoError(t, err)
	assert.Equal(t, "12.345678", energia)
	assert.False(t, pot.Valid)
}

func TestWriteRejectsShortRows(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, april, store.Batch{
		Spec: store.MustLookup(store.TableAgents),
		Rows: [][]any{{"EDENORD"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values")
	_, statErr := os.Stat(Path(dir, april, store.TableAgents))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFormatValue(t *testing.T) {
	s, err := formatValue(sql.NullFloat64{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = formatValue(0.1)
	require.NoError(t, err)
	assert.Equal(t, "0.1", *s)

	_, err = formatValue(struct{}{})
	assert.Error(t, err)
}
