package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/multiworker/internal/events"
)

// Model is the Bubble Tea model showing one turn in progress.
type Model struct {
	taskPane    TaskPaneModel
	summaryPane SummaryPaneModel
	spinner     spinner.Model
	eventSub    <-chan events.Event
	title       string
	cancel      func()
	width       int
	height      int
	finished    bool
	cancelled   bool
}

// New creates a turn dashboard reading from sub. cancel is called when the
// user aborts the turn and may be nil.
func New(sub <-chan events.Event, title string, cancel func()) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StyleStatusRunning

	return Model{
		taskPane:    NewTaskPaneModel(),
		summaryPane: NewSummaryPaneModel(),
		spinner:     sp,
		eventSub:    sub,
		title:       title,
		cancel:      cancel,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.spinner.Tick)
}

// busClosedMsg is delivered when the subscription channel is closed.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyCtrlC:
			if !m.finished && !m.cancelled && m.cancel != nil {
				m.cancelled = true
				m.cancel()
				return m, nil
			}
			return m, tea.Quit
		case KeyQuit, KeyEsc:
			if m.finished {
				return m, tea.Quit
			}
		default:
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case spinner.TickMsg:
		if m.finished {
			break
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.taskPane.SetSpinner(m.spinner.View())
		cmds = append(cmds, cmd)

	case events.DashboardEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		m.summaryPane.SetSnapshot(msg.Dashboard.Snapshot)
		if m.title == "" {
			m.title = msg.Dashboard.Title()
		}
		m.computeLayout()
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskRetryingEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TurnFinishedEvent:
		m.finished = true
		m.taskPane.SetSpinner("")
		return m, tea.Quit

	case busClosedMsg:
		m.finished = true
		return m, tea.Quit

	case events.Event:
		// Other lifecycle events are not drawn
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	title := StyleTitle.Render(m.title)
	if m.cancelled && !m.finished {
		title += StyleStatusFailed.Render(" cancelling...")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.taskPane.View(),
		m.summaryPane.View(),
		HelpView(m.finished),
	)
}

// Finished reports whether the turn completed while the dashboard was shown.
func (m Model) Finished() bool {
	return m.finished
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	// Title, summary (2 lines) and help bar
	m.taskPane.SetSize(m.width, m.height-4)
	m.summaryPane.SetWidth(m.width)
}

