package cmd

import (
	"fmt"

	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	planDate      string
	planBootstrap string
	planLocate    bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the periods the next run would load",
	Long: `Reads the last loaded period from the store and prints every period a run at
--date would attempt. With --locate the listing page is read as well and each
period's archive URL is shown; nothing is downloaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		logicalDate, err := parseLogicalDate(planDate)
		if err != nil {
			return err
		}
		var opts []pipeline.Option
		if planBootstrap != "" {
			first, err := period.Parse(planBootstrap)
			if err != nil {
				return fmt.Errorf("invalid --bootstrap: %w", err)
			}
			opts = append(opts, pipeline.WithFirstPeriod(first))
		}
		p, err := newPipeline(nil, opts...)
		if err != nil {
			return err
		}

		plan, last, err := p.Plan(cmd.Context(), logicalDate)
		if err != nil {
			return fmt.Errorf("plan failed: %w", err)
		}
		fmt.Printf("Last loaded period: %s\n", last)
		if len(plan) == 0 {
			fmt.Println("Store is up to date.")
			return nil
		}

		links := map[period.Month]string{}
		if planLocate {
			links, err = p.Locate(cmd.Context(), plan)
			if err != nil {
				logger.Error("Failed to read the listing page", "error", err)
				return fmt.Errorf("locate failed: %w", err)
			}
		}
		fmt.Printf("%-8s | %s\n", "Period", "Archive")
		for _, m := range plan {
			link := links[m]
			switch {
			case !planLocate:
				link = "-"
			case link == "":
				link = "not published yet"
			}
			fmt.Printf("%-8s | %s\n", m, link)
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planDate, "date", "", "Logical run date, YYYY-MM-DD (default: today in market time)")
	planCmd.Flags().StringVar(&planBootstrap, "bootstrap", "", "First period to load when the store is empty, YYYY-MM")
	planCmd.Flags().BoolVar(&planLocate, "locate", false, "Also look each period up on the listing page")
}
