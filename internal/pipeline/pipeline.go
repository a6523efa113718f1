// Package pipeline runs the monthly ingestion: plan the missing periods, find
// their archives on the listing page, then download, extract, parse, reconcile
// and persist each period in turn. A failing period never stops the run; the
// run as a whole fails when any period failed.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gridfeed/cammesa/internal/config"
	"github.com/gridfeed/cammesa/internal/ident"
	"github.com/gridfeed/cammesa/internal/listing"
	"github.com/gridfeed/cammesa/internal/metrics"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/store"
)

// Store is the persistence the pipeline needs.
type Store interface {
	MaxLoadedPeriod(ctx context.Context) (period.Month, error)
	Upsert(ctx context.Context, spec store.TableSpec, rows [][]any, prov store.Provenance) (int, error)
	LogStageEvent(ctx context.Context, ev store.Event) error
}

// Fetcher retrieves the listing page and period archives.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

// PeriodResult is the outcome of one planned period.
type PeriodResult struct {
	Period period.Month
	State  State
	// FailedStage is the first stage that failed when State is StateFailed.
	FailedStage Stage
	URL         string
	// Reused is set when an already-extracted directory stood in for the download.
	Reused    bool
	Warnings  []string
	Rows      map[string]int
	Snapshots []string
	Err       error
}

// Result summarizes a run.
type Result struct {
	RunID       string
	LogicalDate time.Time
	Actor       string
	Plan        []period.Month
	Periods     []PeriodResult
	Err         error
}

// Failed returns the periods that did not complete.
func (r Result) Failed() []PeriodResult {
	var out []PeriodResult
	for _, p := range r.Periods {
		if p.State == StateFailed {
			out = append(out, p)
		}
	}
	return out
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	cfg      config.Config
	store    Store
	fetcher  Fetcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer Observer
	ids      ident.Deriver
	locator  listing.Locator
	actor    string
	first    period.Month
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithObserver reports state transitions, e.g. to a progress view.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithFirstPeriod seeds an empty store: when nothing has been loaded yet the
// plan starts at first instead of failing with period.ErrNoBootstrap.
func WithFirstPeriod(first period.Month) Option {
	return func(p *Pipeline) { p.first = first }
}

// WithClock overrides the wall clock used for provenance timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a Pipeline from a validated configuration.
func New(cfg config.Config, st Store, f Fetcher, opts ...Option) (*Pipeline, error) {
	base, err := url.Parse(cfg.Source.ListingURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		fetcher:  f,
		logger:   slog.Default(),
		observer: NopObserver{},
		ids:      ident.New(cfg.HashLength),
		locator: listing.Locator{
			LinkClass:    cfg.Source.LinkClass,
			ArchiveToken: cfg.Source.ArchiveToken,
			Aliases:      cfg.Source.PeriodAliases,
			Base:         base,
		},
		actor: resolveActor(cfg.Actor),
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// resolveActor returns the override, else the OS user running the process.
func resolveActor(override string) string {
	if override != "" {
		return override
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// Actor is the name stamped into provenance columns.
func (p *Pipeline) Actor() string { return p.actor }

// Trigger runs the pipeline for a logical date and reports failure as an error,
// which is what a scheduler needs to mark the run failed.
func (p *Pipeline) Trigger(ctx context.Context, logicalDate time.Time) error {
	_, err := p.Run(ctx, logicalDate)
	return err
}

// Plan returns the periods a run at logicalDate would attempt, without
// touching the network.
func (p *Pipeline) Plan(ctx context.Context, logicalDate time.Time) ([]period.Month, period.Month, error) {
	last, err := p.store.MaxLoadedPeriod(ctx)
	if err != nil {
		return nil, last, err
	}
	if last.IsZero() && !p.first.IsZero() {
		last = p.first.Prev()
	}
	months, err := period.Plan(logicalDate, last)
	return months, last, err
}

// Run processes every pending period up to the month of logicalDate.
func (p *Pipeline) Run(ctx context.Context, logicalDate time.Time) (Result, error) {
	res := Result{RunID: uuid.NewString(), LogicalDate: logicalDate, Actor: p.actor}
	logger := p.logger.With(slog.String("run_id", res.RunID))
	r := &run{p: p, ctx: ctx, id: res.RunID, logger: logger}
	runStart := time.Now()

	logger.Info("Starting monthly ingestion run.",
		slog.String("logical_date", logicalDate.Format(time.DateOnly)),
		slog.String("actor", p.actor),
	)

	// --- Phase 1: Plan ---
	logger.Info("Phase 1: Planning pending periods...")
	start := time.Now()
	plan, last, err := p.Plan(ctx, logicalDate)
	if err != nil {
		err = fmt.Errorf("plan: %w", err)
		logger.Error("Failed to plan pending periods.", "error", err)
		r.event(period.Month{}, StagePlan, store.EventError, err.Error(), nil)
		return p.finish(res, err), err
	}
	res.Plan = plan
	d := time.Since(start)
	p.metrics.Stage(string(StagePlan), d)
	r.event(period.Month{}, StagePlan, store.EventStageEnd,
		fmt.Sprintf("last loaded %s, planned [%s]", last, strings.Join(period.Strings(plan), ", ")), &d)
	logger.Info("Plan ready.", slog.String("last_loaded", last.String()), slog.Any("periods", period.Strings(plan)))
	p.observer.Planned(plan)
	if len(plan) == 0 {
		logger.Info("Store is up to date. Nothing to do.")
		return p.finish(res, nil), nil
	}

	// --- Phase 2: Locate archives ---
	logger.Info("Phase 2: Locating archives on the listing page...", slog.String("url", p.cfg.Source.ListingURL))
	start = time.Now()
	links, listingErr := p.Locate(ctx, plan)
	d = time.Since(start)
	p.metrics.Stage(string(StageLocate), d)
	if listingErr != nil {
		logger.Error("Failed to read the listing page; only already-extracted periods can proceed.", "error", listingErr)
		r.event(period.Month{}, StageLocate, store.EventError, listingErr.Error(), &d)
	} else {
		logger.Info("Listing scanned.", slog.Int("links_found", len(links)), slog.Int("periods_pending", len(plan)))
	}

	// --- Phase 3: Process periods one at a time ---
	logger.Info("Phase 3: Processing periods sequentially...", slog.Int("count", len(plan)))
	var runErr error
	for _, m := range plan {
		if ctx.Err() != nil {
			logger.Warn("Run cancelled before all periods were processed.", "error", ctx.Err())
			runErr = errors.Join(runErr, ctx.Err())
			break
		}
		pr := r.period(m, links[m], listingErr)
		res.Periods = append(res.Periods, pr)
		runErr = errors.Join(runErr, pr.Err)
	}

	failed := len(res.Failed())
	logger.Info("Monthly ingestion run finished.",
		slog.Int("periods", len(res.Periods)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(runStart)),
	)
	return p.finish(res, runErr), runErr
}

func (p *Pipeline) finish(res Result, err error) Result {
	res.Err = err
	p.observer.Finished(res)
	return res
}

// Locate reads the listing page once and maps each planned period to its
// archive URL. Periods without a published archive are absent.
func (p *Pipeline) Locate(ctx context.Context, plan []period.Month) (map[period.Month]string, error) {
	body, err := p.fetcher.Get(ctx, p.cfg.Source.ListingURL)
	if err != nil {
		return nil, err
	}
	doc, err := listing.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return p.locator.Locate(doc, plan), nil
}

// ArchiveName is the download file name for a period.
func ArchiveName(m period.Month) string {
	return "base_informe_mensual_" + m.String() + ".zip"
}

// ExtractDir is where a period's archive is extracted below dataDir.
func ExtractDir(dataDir string, m period.Month) string {
	return filepath.Join(dataDir, m.DirName())
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
