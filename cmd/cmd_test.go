package cmd

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gridfeed/cammesa/internal/config"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
	"github.com/gridfeed/cammesa/internal/store"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogicalDate(t *testing.T) {
	got, err := parseLogicalDate("2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, period.MustParse("2024-06"), period.Of(got))
	assert.Equal(t, period.Location(), got.Location())

	now, err := parseLogicalDate("")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, time.Minute)

	_, err = parseLogicalDate("15/06/2024")
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, pipeline.Result{
		RunID:       "run-1",
		LogicalDate: time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Actor:       "airflow",
		Plan:        []period.Month{period.MustParse("2024-04"), period.MustParse("2024-05")},
		Periods: []pipeline.PeriodResult{
			{
				Period: period.MustParse("2024-04"),
				State:  pipeline.StatePersisted,
				Rows:   map[string]int{store.TableDemand: 120, store.TableAgents: 40},
			},
			{
				Period:      period.MustParse("2024-05"),
				State:       pipeline.StateFailed,
				FailedStage: pipeline.StageDownload,
				Err:         errors.New("fetch: status 503"),
			},
		},
	})
	text := out.String()
	assert.Contains(t, text, "run-1")
	assert.Contains(t, text, "persisted")
	assert.Contains(t, text, "fetch: status 503")
	assert.Contains(t, text, "monthly_demand")
	assert.Contains(t, text, "160")

	out.Reset()
	printResult(&out, pipeline.Result{})
	assert.Empty(t, out.String())
}

func TestFlagOverrides(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	c.Flags().AddFlagSet(rootCmd.PersistentFlags())
	require.NoError(t, c.Flags().Parse([]string{"--driver", "duckdb", "--data-dir", "/tmp/cammesa", "--actor", "ops"}))

	cfg := config.Default()
	applyFlagOverrides(c, &cfg)
	assert.Equal(t, config.DriverDuckDB, cfg.Database.Driver)
	assert.Equal(t, "/tmp/cammesa", cfg.DataDir)
	assert.Equal(t, "ops", cfg.Actor)
	assert.Equal(t, config.DefaultSchema, cfg.Database.Schema, "unset flags keep the configured value")
}
