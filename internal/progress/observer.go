package progress

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
)

// ErrInterrupted is returned by Run when the user quit the view before the
// work finished.
var ErrInterrupted = errors.New("interrupted")

// Sender delivers messages to a running program. *tea.Program implements it.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards pipeline notifications to the view.
type Observer struct {
	Sender Sender
}

var _ pipeline.Observer = Observer{}

func (o Observer) Planned(periods []period.Month) {
	o.Sender.Send(PlannedMsg{Periods: append([]period.Month(nil), periods...)})
}

func (o Observer) Transition(p period.Month, to pipeline.State, stage pipeline.Stage, err error) {
	o.Sender.Send(PeriodMsg{Period: p, State: to, Stage: stage, Err: err, At: time.Now()})
}

func (o Observer) Finished(r pipeline.Result) {
	o.Sender.Send(FinishedMsg{Result: r})
}

// Run shows the progress view while work runs and returns work's error. When
// the user quits early, cancel is called and Run waits for work to return.
func Run(title string, cancel context.CancelFunc, work func(pipeline.Observer) error, opts ...tea.ProgramOption) error {
	prog := tea.NewProgram(NewModel(title), opts...)
	result := make(chan error, 1)
	go func() {
		err := work(Observer{Sender: prog})
		result <- err
		prog.Send(doneMsg{err: err})
	}()

	final, uiErr := prog.Run()
	if m, ok := final.(*Model); ok && m.Quitting && !m.done {
		cancel()
		return errors.Join(ErrInterrupted, <-result)
	}
	err := <-result
	if uiErr != nil && err == nil {
		return uiErr
	}
	return err
}
