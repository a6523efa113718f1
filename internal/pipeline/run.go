package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gridfeed/cammesa/internal/fetch"
	"github.com/gridfeed/cammesa/internal/metrics"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/report"
	"github.com/gridfeed/cammesa/internal/snapshot"
	"github.com/gridfeed/cammesa/internal/store"
)

// run carries what one invocation shares across its periods.
type run struct {
	p      *Pipeline
	ctx    context.Context
	id     string
	logger *slog.Logger
	// holdWatermark is set once a period fails. Later periods then skip
	// store.WatermarkTable so the failed period is planned again.
	holdWatermark bool
}

// event appends to the run ledger. A ledger failure is logged and otherwise
// ignored: losing an audit row must not fail a period.
func (r *run) event(m period.Month, stage Stage, kind, msg string, d *time.Duration) {
	ev := store.Event{
		RunID:    r.id,
		Stage:    string(stage),
		Event:    kind,
		Message:  msg,
		Duration: d,
	}
	if !m.IsZero() {
		ev.Period = m.String()
	}
	if err := r.p.store.LogStageEvent(r.ctx, ev); err != nil {
		r.logger.Warn("Failed to record ledger event.", "stage", stage, "event", kind, "error", err)
	}
}

// periodRun is the state threaded through the stages of one period.
type periodRun struct {
	*run
	res    PeriodResult
	logger *slog.Logger
}

// stage runs fn as one ledger-tracked stage of the period.
func (pr *periodRun) stage(s Stage, fn func() error) error {
	m := pr.res.Period
	pr.event(m, s, store.EventStageStart, "", nil)
	start := time.Now()
	err := fn()
	d := time.Since(start)
	pr.p.metrics.Stage(string(s), d)
	if err != nil {
		pr.event(m, s, store.EventError, err.Error(), &d)
		return err
	}
	pr.event(m, s, store.EventStageEnd, "", &d)
	return nil
}

func (pr *periodRun) advance(to State, s Stage) {
	pr.res.State = to
	pr.p.observer.Transition(pr.res.Period, to, s, nil)
}

func (pr *periodRun) warn(s Stage, msg string) {
	pr.res.Warnings = append(pr.res.Warnings, msg)
	pr.logger.Warn(msg, "stage", s)
	pr.event(pr.res.Period, s, store.EventWarning, msg, nil)
}

// fail records a stage failure. Only the first failing stage is kept in
// FailedStage; every error is kept in Err.
func (pr *periodRun) fail(s Stage, err error) {
	serr := &StageError{Period: pr.res.Period, Stage: s, Err: err}
	if pr.res.Err == nil {
		pr.res.FailedStage = s
	}
	pr.res.Err = errors.Join(pr.res.Err, serr)
	pr.logger.Error("Stage failed.", "stage", s, "error", err)
	pr.p.observer.Transition(pr.res.Period, StateFailed, s, serr)
}

// abort ends the period at a failed stage.
func (pr *periodRun) abort(s Stage, err error) PeriodResult {
	pr.fail(s, err)
	return pr.done()
}

func (pr *periodRun) done() PeriodResult {
	switch {
	case pr.res.Err != nil:
		pr.res.State = StateFailed
		pr.holdWatermark = true
		pr.p.metrics.Period(metrics.ResultFailed)
		pr.logger.Error("Period failed.", "failed_stage", pr.res.FailedStage, "error", pr.res.Err)
	case pr.res.State == StateSkipped:
		pr.p.metrics.Period(metrics.ResultSkipped)
	default:
		pr.p.metrics.Period(metrics.ResultOK)
		pr.logger.Info("Period persisted.", slog.Any("rows", pr.res.Rows), slog.Int("warnings", len(pr.res.Warnings)))
	}
	return pr.res
}

// period drives one period from Planned to Persisted, Skipped or Failed.
func (r *run) period(m period.Month, link string, listingErr error) PeriodResult {
	pr := &periodRun{
		run:    r,
		res:    PeriodResult{Period: m, State: StatePlanned, URL: link, Rows: make(map[string]int)},
		logger: r.logger.With(slog.String("period", m.String())),
	}
	pr.logger.Info("Processing period.")
	dataDir := r.p.cfg.DataDir
	archive := report.Archive{Root: ExtractDir(dataDir, m), Period: m}

	// Locate
	switch {
	case link != "":
		pr.logger.Info("Archive located.", slog.String("url", link))
		pr.event(m, StageLocate, store.EventStageEnd, link, nil)
		pr.advance(StateLocated, StageLocate)
	case dirExists(archive.Root) && report.Available(archive):
		pr.res.Reused = true
		pr.logger.Info("No download link; reusing the extracted archive.", slog.String("dir", archive.Root))
		pr.event(m, StageLocate, store.EventStageEnd, "reusing "+archive.Root, nil)
		pr.advance(StateLocated, StageLocate)
	case listingErr != nil:
		return pr.abort(StageLocate, fmt.Errorf("listing unavailable: %w", listingErr))
	default:
		msg := fmt.Sprintf("archive for %s is not published yet; skipping period", m)
		pr.res.Warnings = append(pr.res.Warnings, msg)
		pr.logger.Warn(msg)
		pr.event(m, StageLocate, store.EventSkip, msg, nil)
		pr.res.State = StateSkipped
		r.p.observer.Transition(m, StateSkipped, StageLocate, nil)
		return pr.done()
	}

	// Download and extract
	if !pr.res.Reused {
		zipPath := filepath.Join(dataDir, ArchiveName(m))
		err := pr.stage(StageDownload, func() error {
			n, err := r.p.fetcher.Download(r.ctx, link, zipPath)
			if err == nil {
				pr.logger.Info("Archive downloaded.", slog.String("path", zipPath), slog.Int64("bytes", n))
			}
			return err
		})
		if err != nil {
			return pr.abort(StageDownload, err)
		}
		pr.advance(StateDownloaded, StageDownload)

		err = pr.stage(StageExtract, func() error {
			files, err := fetch.Unpack(zipPath, archive.Root)
			if err == nil {
				pr.logger.Info("Archive extracted.", slog.String("dir", archive.Root), slog.Int("files", len(files)))
			}
			return err
		})
		if err != nil {
			return pr.abort(StageExtract, err)
		}
	}
	pr.advance(StateExtracted, StageExtract)

	// Parse
	var set report.Set
	err := pr.stage(StageParse, func() error {
		if !report.Available(archive) {
			return &report.FormatError{
				File:  archive.Path(report.DemandLayout),
				Sheet: report.DemandLayout.Sheet,
				Err:   report.ErrMissingWorkbook,
			}
		}
		set = report.ParseAll(archive, r.p.ids)
		return set.Err()
	})
	if set.Failed == nil {
		return pr.abort(StageParse, err)
	}
	for _, k := range report.Kinds {
		if ferr, failed := set.Failed[k]; failed {
			pr.fail(StageParse, fmt.Errorf("%s: %w", k, ferr))
			continue
		}
		if set.Count(k) == 0 {
			pr.warn(StageParse, fmt.Sprintf("%s report has no rows for %s", k, m))
		}
	}
	if len(set.Failed) == len(report.Kinds) {
		return pr.done()
	}
	pr.advance(StateParsed, StageParse)

	// Reconcile
	var batches []store.Batch
	_ = pr.stage(StageReconcile, func() error {
		dims := Reconcile(set, r.p.ids)
		if len(dims.AgentConflicts) > 0 {
			pr.warn(StageReconcile, fmt.Sprintf("agents with conflicting descriptions: %s", strings.Join(dims.AgentConflicts, ", ")))
		}
		for _, spec := range store.Tables {
			if built(spec.Name, set) && !Buildable(spec.Name, set) {
				pr.warn(StageReconcile, fmt.Sprintf("%s left out: a dimension it refers to did not parse", spec.Name))
			}
		}
		batches = Batches(set, dims)
		return nil
	})
	pr.advance(StateReconciled, StageReconcile)

	if dir := r.p.cfg.SnapshotDir; dir != "" {
		_ = pr.stage(StageSnapshot, func() error {
			paths, err := snapshot.WritePeriod(dir, m, batches, pr.logger)
			pr.res.Snapshots = paths
			if err != nil {
				pr.warn(StageSnapshot, "snapshot incomplete: "+err.Error())
			}
			return nil
		})
	}

	// Persist, table by table, dimensions first and the watermark last.
	prov := store.Provenance{Actor: r.p.actor, At: r.p.now()}
	_ = pr.stage(StagePersist, func() error {
		var errs error
		for _, b := range batches {
			if b.Spec.Name == store.WatermarkTable && (pr.res.Err != nil || r.holdWatermark) {
				pr.warn(StagePersist, fmt.Sprintf("%s held back so %s is planned again", b.Spec.Name, m))
				continue
			}
			if len(b.Rows) == 0 {
				pr.logger.Info("No rows to upsert.", slog.String("table", b.Spec.Name))
				continue
			}
			n, err := r.p.store.Upsert(r.ctx, b.Spec, b.Rows, prov)
			r.p.metrics.Upsert(b.Spec.Name, n, err)
			if err != nil {
				pr.fail(StagePersist, err)
				errs = errors.Join(errs, err)
				continue
			}
			pr.res.Rows[b.Spec.Name] = n
			pr.logger.Info("Table upserted.", slog.String("table", b.Spec.Name), slog.Int("rows", n))
		}
		return errs
	})
	if pr.res.Err == nil {
		pr.advance(StatePersisted, StagePersist)
	}
	return pr.done()
}
