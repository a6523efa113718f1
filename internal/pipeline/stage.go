package pipeline

import (
	"fmt"

	"github.com/gridfeed/cammesa/internal/period"
)

// State is where a period stands in its run. States advance strictly in
// declaration order; Failed is terminal.
type State string

const (
	StatePlanned    State = "planned"
	StateLocated    State = "located"
	StateDownloaded State = "downloaded"
	StateExtracted  State = "extracted"
	StateParsed     State = "parsed"
	StateReconciled State = "reconciled"
	StatePersisted  State = "persisted"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Stage names a unit of work. It is also the stage column of the run ledger.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageLocate    Stage = "locate"
	StageDownload  Stage = "download"
	StageExtract   Stage = "extract"
	StageParse     Stage = "parse"
	StageReconcile Stage = "reconcile"
	StageSnapshot  Stage = "snapshot"
	StagePersist   Stage = "persist"
)

// StageError is a period failure at a given stage.
type StageError struct {
	Period period.Month
	Stage  Stage
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("period %s: %s: %v", e.Period, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Observer is told about every state change. Calls happen on the goroutine
// running the pipeline.
type Observer interface {
	Planned(periods []period.Month)
	Transition(p period.Month, to State, stage Stage, err error)
	Finished(r Result)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) Planned([]period.Month) {}

func (NopObserver) Transition(period.Month, State, Stage, error) {}

func (NopObserver) Finished(Result) {}
