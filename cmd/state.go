package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gridfeed/cammesa/internal/store"
	"github.com/spf13/cobra"
)

var (
	stateLimit  int
	stateEvent  string
	statePeriod string
	stateRun    string
	stateLatest bool
)

var (
	stateHeader = lipgloss.NewStyle().Bold(true)
	stateError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the run ledger",
	Long: `Queries the pipeline event log and displays what past runs did, newest first.
Filter by period, run id or event type. With --latest, shows only the most
recent event of every period.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		st := getStore()

		if stateLatest {
			statuses, err := st.LatestByPeriod(cmd.Context())
			if err != nil {
				logger.Error("Failed to query period status", "error", err)
				return err
			}
			fmt.Println(stateHeader.Render(fmt.Sprintf("%-8s | %-10s | %-11s | %-20s | %-36s | %s", "Period", "Stage", "Event", "Timestamp (UTC)", "Run", "Message")))
			fmt.Println(strings.Repeat("-", 130))
			for _, s := range statuses {
				fmt.Printf("%-8s | %-10s | %s | %-20s | %-36s | %s\n",
					s.Period, s.Stage, styleEvent(s.Event), s.At.UTC().Format(time.DateTime), s.RunID, s.Message)
			}
			fmt.Printf("Displayed %d periods.\n", len(statuses))
			return nil
		}

		logger.Info("Querying run ledger", "period", statePeriod, "run_id", stateRun, "event", stateEvent, "limit", stateLimit)
		events, err := st.History(cmd.Context(), store.HistoryFilter{
			Period: statePeriod,
			RunID:  stateRun,
			Event:  stateEvent,
			Limit:  stateLimit,
		})
		if err != nil {
			logger.Error("Failed to display run history", "error", err)
			return err
		}

		fmt.Printf("--- Run Ledger (Limit %d) ---\n", stateLimit)
		fmt.Println(stateHeader.Render(fmt.Sprintf("%-8s | %-10s | %-11s | %-20s | %-10s | %s", "Period", "Stage", "Event", "Timestamp (UTC)", "Duration", "Message")))
		fmt.Println(strings.Repeat("-", 130))
		for _, ev := range events {
			dur := ""
			if ev.Duration != nil {
				dur = ev.Duration.Round(time.Millisecond).String()
			}
			p := ev.Period
			if p == "" {
				p = "-"
			}
			fmt.Printf("%-8s | %-10s | %s | %-20s | %-10s | %s\n",
				p, ev.Stage, styleEvent(ev.Event), ev.At.UTC().Format(time.DateTime), dur, ev.Message)
		}
		fmt.Printf("Displayed %d records.\n", len(events))
		return nil
	},
}

// styleEvent pads before styling so colour codes do not break alignment.
func styleEvent(event string) string {
	padded := fmt.Sprintf("%-11s", event)
	switch event {
	case store.EventError:
		return stateError.Render(padded)
	case store.EventWarning, store.EventSkip:
		return stateWarn.Render(padded)
	}
	return padded
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of records displayed")
	stateCmd.Flags().StringVarP(&stateEvent, "event", "e", "", "Filter by event type (stage_start, stage_end, skip, warning, error)")
	stateCmd.Flags().StringVarP(&statePeriod, "period", "p", "", "Filter by period, YYYY-MM")
	stateCmd.Flags().StringVar(&stateRun, "run", "", "Filter by run id")
	stateCmd.Flags().BoolVar(&stateLatest, "latest", false, "Show the latest event of every period")
}
