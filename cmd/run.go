package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
	"github.com/gridfeed/cammesa/internal/progress"
	"github.com/spf13/cobra"
)

var (
	runDate      string
	runBootstrap string
	runTUI       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load every missing period up to the current month",
	Long: `Performs the monthly ingestion:
1. Reads the last loaded period from the store and plans every month after it up
   to the month of --date.
2. Reads the listing page once and finds the archive of each planned period.
3. Downloads, extracts, parses, reconciles and upserts each period in turn.

A period whose archive is not published yet is skipped with a warning. A period
that fails does not stop the others, but the command exits non-zero.
Use --bootstrap on an empty store to name the first period to load.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()

		logicalDate, err := parseLogicalDate(runDate)
		if err != nil {
			return err
		}
		var opts []pipeline.Option
		if runBootstrap != "" {
			first, err := period.Parse(runBootstrap)
			if err != nil {
				return fmt.Errorf("invalid --bootstrap: %w", err)
			}
			opts = append(opts, pipeline.WithFirstPeriod(first))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var res pipeline.Result
		if runTUI {
			err = progress.Run("CAMMESA monthly ingestion", stop, func(obs pipeline.Observer) error {
				p, err := newPipeline(nil, append(opts, pipeline.WithObserver(obs))...)
				if err != nil {
					return err
				}
				res, err = p.Run(ctx, logicalDate)
				return err
			}, tea.WithContext(ctx))
		} else {
			var p *pipeline.Pipeline
			p, err = newPipeline(nil, opts...)
			if err != nil {
				return err
			}
			res, err = p.Run(ctx, logicalDate)
		}

		printResult(os.Stdout, res)
		if err != nil {
			logger.Error("Monthly ingestion completed with errors", "error", err)
			return fmt.Errorf("run failed: %w", err)
		}
		logger.Info("Monthly ingestion completed successfully.")
		return nil
	},
}

// parseLogicalDate accepts YYYY-MM-DD in market time; empty means today.
func parseLogicalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().In(period.Location()), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, period.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

func printResult(w io.Writer, res pipeline.Result) {
	if res.RunID == "" {
		return
	}
	fmt.Fprintf(w, "--- Run %s (logical date %s, actor %s) ---\n", res.RunID, res.LogicalDate.Format(time.DateOnly), res.Actor)
	if len(res.Plan) == 0 {
		fmt.Fprintln(w, "Nothing to load.")
		return
	}
	fmt.Fprintf(w, "%-8s | %-10s | %-10s | %-8s | %-8s | %s\n", "Period", "State", "Failed at", "Rows", "Warnings", "Details")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, pr := range res.Periods {
		rows := 0
		for _, n := range pr.Rows {
			rows += n
		}
		details := ""
		switch {
		case pr.Err != nil:
			details = strings.ReplaceAll(pr.Err.Error(), "\n", "; ")
		case len(pr.Warnings) > 0:
			details = pr.Warnings[0]
		case pr.Reused:
			details = "reused extracted archive"
		}
		fmt.Fprintf(w, "%-8s | %-10s | %-10s | %-8d | %-8d | %s\n",
			pr.Period, pr.State, pr.FailedStage, rows, len(pr.Warnings), details)
	}
	fmt.Fprintln(w, strings.Repeat("-", 100))
	if len(res.Periods) > 0 {
		printTableRows(w, res.Periods)
	}
}

// printTableRows shows rows upserted per table across the run.
func printTableRows(w io.Writer, periods []pipeline.PeriodResult) {
	totals := map[string]int{}
	for _, pr := range periods {
		for table, n := range pr.Rows {
			totals[table] += n
		}
	}
	if len(totals) == 0 {
		return
	}
	tables := make([]string, 0, len(totals))
	for t := range totals {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Fprintf(w, "  %-24s %8d rows\n", t, totals[t])
	}
}

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "Logical run date, YYYY-MM-DD (default: today in market time)")
	runCmd.Flags().StringVar(&runBootstrap, "bootstrap", "", "First period to load when the store is empty, YYYY-MM")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show a live progress view")
}
