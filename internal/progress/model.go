// Package progress renders a live terminal view of a pipeline run.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/pipeline"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	barStyle    = lipgloss.NewStyle().Padding(0, 1)
	stateStyle  = map[pipeline.State]lipgloss.Style{
		pipeline.StatePlanned:    lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		pipeline.StateLocated:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		pipeline.StateDownloaded: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		pipeline.StateExtracted:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		pipeline.StateParsed:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		pipeline.StateReconciled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		pipeline.StatePersisted:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		pipeline.StateSkipped:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		pipeline.StateFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// row is the view of one period.
type row struct {
	state pipeline.State
	stage pipeline.Stage
	err   string
	start time.Time
	took  time.Duration
}

func (r *row) terminal() bool {
	switch r.state {
	case pipeline.StatePersisted, pipeline.StateSkipped, pipeline.StateFailed:
		return true
	}
	return false
}

// Model is the bubbletea model of a run.
type Model struct {
	title   string
	spinner spinner.Model
	bar     progress.Model

	order  []period.Month
	rows   map[period.Month]*row
	result *pipeline.Result

	width  int
	height int

	done     bool
	Quitting bool
	Err      error
}

// NewModel returns an empty view titled title.
func NewModel(title string) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &Model{
		title:   title,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient()),
		rows:    make(map[period.Month]*row),
		width:   80,
		height:  24,
	}
}

func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Finished counts periods in a terminal state.
func (m *Model) Finished() int {
	n := 0
	for _, r := range m.rows {
		if r.terminal() {
			n++
		}
	}
	return n
}

// State returns the last known state of p.
func (m *Model) State(p period.Month) (pipeline.State, bool) {
	r, ok := m.rows[p]
	if !ok {
		return "", false
	}
	return r.state, true
}

func (m *Model) percent() float64 {
	if len(m.order) == 0 {
		return 0
	}
	return float64(m.Finished()) / float64(len(m.order))
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.Quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(0, m.width-20)
	case PlannedMsg:
		m.order = msg.Periods
		for _, p := range msg.Periods {
			m.rows[p] = &row{state: pipeline.StatePlanned}
		}
	case PeriodMsg:
		r, ok := m.rows[msg.Period]
		if !ok {
			r = &row{}
			m.rows[msg.Period] = r
			m.order = append(m.order, msg.Period)
		}
		if r.start.IsZero() {
			r.start = msg.At
		}
		r.state = msg.State
		r.stage = msg.Stage
		if msg.Err != nil && r.err == "" {
			r.err = msg.Err.Error()
		}
		if r.terminal() && !msg.At.IsZero() {
			r.took = msg.At.Sub(r.start)
		}
		cmds = append(cmds, m.bar.SetPercent(m.percent()))
	case FinishedMsg:
		res := msg.Result
		m.result = &res
		cmds = append(cmds, m.bar.SetPercent(1))
	case doneMsg:
		m.done = true
		m.Err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		if !m.done {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		if bar, ok := barModel.(progress.Model); ok {
			m.bar = bar
			cmds = append(cmds, cmd)
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("--- " + m.title + " ---"))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		fmt.Fprintf(&b, "%s Planning...\n", m.spinner.View())
	} else {
		fmt.Fprintf(&b, "%s Periods", m.spinner.View())
		b.WriteString(barStyle.Render(m.bar.View()))
		fmt.Fprintf(&b, " (%d/%d)\n\n", m.Finished(), len(m.order))
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s | %-11s | %-9s | %s", "Period", "State", "Stage", "Elapsed")))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", min(m.width, 60)))
		b.WriteString("\n")
		for _, p := range m.visible() {
			b.WriteString(m.line(p))
		}
	}

	if m.result != nil {
		b.WriteString("\n")
		failed := len(m.result.Failed())
		if failed > 0 {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Run %s finished with %d failed period(s).", m.result.RunID, failed)))
		} else {
			b.WriteString(infoStyle.Render(fmt.Sprintf("Run %s finished.", m.result.RunID)))
		}
		b.WriteString("\n")
	} else if !m.done {
		b.WriteString("\n")
		b.WriteString(infoStyle.Render("Running... 'q' or Ctrl+C to stop."))
		b.WriteString("\n")
	}
	return b.String()
}

// visible keeps the newest periods that fit the terminal.
func (m *Model) visible() []period.Month {
	maxLines := max(1, m.height-10)
	if len(m.order) > maxLines {
		return m.order[len(m.order)-maxLines:]
	}
	return m.order
}

func (m *Model) line(p period.Month) string {
	r := m.rows[p]
	style, ok := stateStyle[r.state]
	if !ok {
		style = infoStyle
	}
	elapsed := ""
	switch {
	case r.took > 0:
		elapsed = r.took.Round(time.Millisecond).String()
	case !r.start.IsZero() && !r.terminal():
		elapsed = time.Since(r.start).Round(time.Second).String() + "..."
	}
	out := fmt.Sprintf("%-8s | %-11s | %-9s | %s\n", p, style.Render(string(r.state)), r.stage, elapsed)
	if r.err != "" {
		msg := "  -> " + r.err
		if m.width > 4 && len(msg) >= m.width {
			msg = msg[:m.width-4] + "..."
		}
		out += errorStyle.Render(msg) + "\n"
	}
	return out
}
