package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridfeed/cammesa/internal/metrics"
	"github.com/gridfeed/cammesa/internal/trigger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	scheduleSpec        string
	scheduleMetricsAddr string
	scheduleNow         bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Trigger runs on a cron schedule and serve metrics",
	Long: `Stays in the foreground and triggers a run every time the cron expression
fires (evaluated in Argentine market time). Prometheus metrics are served on
/metrics. A firing that comes due while a run is still going is skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		spec := cfg.Schedule
		if cmd.Flags().Changed("cron") {
			spec = scheduleSpec
		}
		addr := cfg.MetricsAddr
		if cmd.Flags().Changed("metrics-addr") {
			addr = scheduleMetricsAddr
		}

		m := metrics.New(nil)
		p, err := newPipeline(m)
		if err != nil {
			return err
		}
		sched, err := trigger.New(spec, p.Trigger, trigger.WithLogger(logger), trigger.WithMetrics(m))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		serveErr := make(chan error, 1)
		go func() {
			logger.Info("Metrics listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		sched.Start(ctx)
		if scheduleNow {
			sched.RunNow(ctx)
		}

		select {
		case <-ctx.Done():
			logger.Info("Shutdown requested.")
		case err = <-serveErr:
			logger.Error("Metrics server failed", "error", err)
		}

		<-sched.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("Metrics server shutdown failed", "error", shutdownErr)
		}
		if err != nil {
			return fmt.Errorf("schedule stopped: %w", err)
		}
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleSpec, "cron", "", "Cron expression overriding the configured schedule")
	scheduleCmd.Flags().StringVar(&scheduleMetricsAddr, "metrics-addr", "", "Listen address for /metrics overriding the configured one")
	scheduleCmd.Flags().BoolVar(&scheduleNow, "now", false, "Trigger one run immediately on start")
}
