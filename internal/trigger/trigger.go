// Package trigger fires pipeline runs on a cron schedule. Each firing passes
// its fire time, in market time, as the run's logical date.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridfeed/cammesa/internal/metrics"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/robfig/cron/v3"
)

// ErrRunInProgress is returned by Fire while another run is still going.
var ErrRunInProgress = errors.New("a triggered run is still in progress")

// Func runs the pipeline for one logical date and fails when any period failed.
type Func func(ctx context.Context, logicalDate time.Time) error

// Scheduler owns a cron runner with a single entry.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	cron     *cron.Cron
	run      Func
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu  sync.Mutex
	ctx context.Context

	// running admits one run at a time, whoever fires it.
	running  sync.Mutex
	inflight sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for scheduler and cron messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records the outcome of every firing in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the clock used for logical dates and Next.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New parses a standard five-field cron expression (or a descriptor such as
// @daily) evaluated in market time. A firing that comes due while the previous
// run is still going is skipped.
func New(spec string, run Func, opts ...Option) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s := &Scheduler{
		spec:     spec,
		schedule: schedule,
		run:      run,
		logger:   slog.Default(),
		now:      time.Now,
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	s.cron = cron.New(
		cron.WithLocation(period.Location()),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	s.cron.Schedule(schedule, cron.FuncJob(s.fire))
	return s, nil
}

// Start begins firing. Runs receive ctx; cancelling it aborts the run in
// flight but does not stop the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Scheduler started.", slog.String("schedule", s.spec), slog.Time("next_run", s.Next()))
}

// Stop halts the scheduler. The returned context is done once any run in
// flight has returned, including one started by RunNow.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Stopping scheduler...")
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		cancel()
	}()
	return ctx
}

// RunNow fires once in the background with the current market time as the
// logical date. It is skipped like any other firing if a run is going.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_ = s.Fire(ctx, s.now().In(period.Location()))
	}()
}

// Next is the next fire time after the current clock.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now().In(period.Location()))
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	_ = s.Fire(ctx, s.now().In(period.Location()))
}

// Fire performs one triggered run and records its outcome. It returns
// ErrRunInProgress without running when another run has not returned yet.
func (s *Scheduler) Fire(ctx context.Context, logicalDate time.Time) error {
	logger := s.logger.With(slog.String("logical_date", logicalDate.Format(time.DateOnly)))
	if !s.running.TryLock() {
		s.metrics.TriggerSkipped()
		logger.Warn("Skipping firing; the previous run is still going.")
		return ErrRunInProgress
	}
	defer s.running.Unlock()
	logger.Info("Triggered pipeline run.")
	start := time.Now()
	err := s.run(ctx, logicalDate)
	s.metrics.Trigger(err)
	if err != nil {
		logger.Error("Triggered run failed.", "error", err, slog.Duration("duration", time.Since(start)))
		return err
	}
	logger.Info("Triggered run succeeded.", slog.Duration("duration", time.Since(start)), slog.Time("next_run", s.Next()))
	return nil
}
