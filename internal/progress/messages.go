package progress

import (
	"fmt"
	"time"

	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
)

// PlannedMsg lists the periods a run will process.
type PlannedMsg struct {
	Periods []period.Month
}

// PeriodMsg reports a period reaching a new state.
type PeriodMsg struct {
	Period period.Month
	State  pipeline.State
	Stage  pipeline.Stage
	Err    error
	At     time.Time
}

// FinishedMsg carries the run summary.
type FinishedMsg struct {
	Result pipeline.Result
}

// doneMsg tells the view the work function returned.
type doneMsg struct {
	err error
}

func (p PlannedMsg) String() string { return fmt.Sprintf("Planned %v", period.Strings(p.Periods)) }

func (p PeriodMsg) String() string { return fmt.Sprintf("Period %s: %s", p.Period, p.State) }

func (f FinishedMsg) String() string { return fmt.Sprintf("Finished %s", f.Result.RunID) }
