package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gridfeed/cammesa/internal/config"
	"github.com/gridfeed/cammesa/internal/ident"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
	"github.com/gridfeed/cammesa/internal/report"
	"github.com/gridfeed/cammesa/internal/snapshot"
	"github.com/spf13/cobra"
)

var (
	snapshotPeriods []string
	snapshotInspect bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write or inspect parquet snapshots of extracted periods",
	Long: `Re-parses the extracted archive of each --period from the data directory and
writes one parquet file per table below --snapshot-dir/<YYYY_MM>/. The store is
not touched. With --inspect, summarises the snapshots already written using
DuckDB's read_parquet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		if cfg.SnapshotDir == "" {
			return errors.New("--snapshot-dir (or snapshot_dir in the config file) is required")
		}

		var errs error
		for _, raw := range snapshotPeriods {
			p, err := period.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid --period: %w", err)
			}
			if err := snapshotPeriod(cfg, p, logger); err != nil {
				logger.Error("Snapshot failed", "period", p.String(), "error", err)
				errs = errors.Join(errs, err)
			}
		}

		if snapshotInspect {
			db, closeDB, err := duckDBForInspection(cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			summaries, err := snapshot.Summarize(cmd.Context(), db, cfg.SnapshotDir, logger)
			snapshot.Print(os.Stdout, summaries)
			errs = errors.Join(errs, err)
		}
		if len(snapshotPeriods) == 0 && !snapshotInspect {
			return errors.New("nothing to do: pass --period and/or --inspect")
		}
		return errs
	},
}

func snapshotPeriod(cfg config.Config, p period.Month, logger *slog.Logger) error {
	archive := report.Archive{Root: pipeline.ExtractDir(cfg.DataDir, p), Period: p}
	if !report.Available(archive) {
		return fmt.Errorf("period %s: no extracted archive under %s", p, archive.Root)
	}
	ids := ident.New(cfg.HashLength)
	set := report.ParseAll(archive, ids)
	if err := set.Err(); err != nil {
		logger.Warn("Some reports failed to parse; their tables are left out", "period", p.String(), "error", err)
	}
	batches := pipeline.Batches(set, pipeline.Reconcile(set, ids))
	paths, err := snapshot.WritePeriod(cfg.SnapshotDir, p, batches, logger)
	logger.Info("Snapshot written", "period", p.String(), "files", len(paths))
	return err
}

// duckDBForInspection returns the store connection when it is DuckDB, else a
// throwaway in-memory DuckDB.
func duckDBForInspection(cfg config.Config) (*sql.DB, func(), error) {
	if cfg.Database.Driver == config.DriverDuckDB {
		return getStore().DB(), func() {}, nil
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open in-memory duckdb: %w", err)
	}
	return db, func() { db.Close() }, nil
}

func init() {
	snapshotCmd.Flags().StringSliceVarP(&snapshotPeriods, "period", "p", nil, "Period to snapshot, YYYY-MM (repeatable)")
	snapshotCmd.Flags().BoolVar(&snapshotInspect, "inspect", false, "Summarise the snapshots below --snapshot-dir")
}
