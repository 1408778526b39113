package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/multiworker/internal/events"
	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// TaskPaneModel shows the task table and the selected task's output.
type TaskPaneModel struct {
	workers     []task.View
	synth       *task.View
	retries     map[string]string // task name -> pending retry note
	takenAt     time.Time
	spinner     string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		retries:  make(map[string]string),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < m.rowCount()-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Other keys scroll the output
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.DashboardEvent:
		m.workers = msg.Dashboard.Workers
		m.synth = msg.Dashboard.Synth
		m.takenAt = msg.Dashboard.TakenAt
		for _, v := range m.rows() {
			if v.Terminal() {
				delete(m.retries, v.Name)
			}
		}
		m.updateViewportContent()

	case events.TaskRetryingEvent:
		m.retries[msg.ID] = retryNote(msg.Attempt, msg.Delay)
	}

	return m, cmd
}

// SetSpinner sets the frame drawn next to running tasks.
func (m *TaskPaneModel) SetSpinner(frame string) {
	m.spinner = frame
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	table := m.renderTable()
	output := lipgloss.NewStyle().
		Width(m.width - 4).
		Render(m.viewport.View())

	return StyleFocusedBorder.
		Width(m.width - 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, table, "", output))
}

// renderTable renders one row per worker followed by the synthesizer.
func (m TaskPaneModel) renderTable() string {
	nameW, modelW := len("Worker"), len("Model")
	for _, v := range m.rows() {
		nameW = max(nameW, lipgloss.Width(v.Name))
		modelW = max(modelW, lipgloss.Width(v.Model))
	}

	var b strings.Builder
	b.WriteString(StyleHeader.Render(fmt.Sprintf("%-*s  %-*s  %-7s  %s", nameW, "Worker", modelW, "Model", "Elapsed", "Status")))
	b.WriteString("\n")

	if len(m.workers) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
		return b.String()
	}

	for i, v := range m.rows() {
		synth := m.synth != nil && i == len(m.workers)
		status := StatusText(v, synth)
		if !v.Terminal() {
			if note, ok := m.retries[v.Name]; ok {
				status += " (" + note + ")"
			}
			if m.spinner != "" {
				status = m.spinner + " " + status
			}
		}

		cells := fmt.Sprintf("%-*s  %-*s  %-7s  ", nameW, v.Name, modelW, v.Model, telemetry.FormatElapsed(v.Elapsed(m.takenAt)))
		if i == m.selectedIdx {
			cells = StyleSelected.Render(cells)
		}
		b.WriteString(cells + StyleFor(v.Outcome)(status))
		b.WriteString("\n")
	}

	if m.synth == nil {
		b.WriteString(StyleStatusPending.Render("Synthesizer waits for every worker"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m TaskPaneModel) rows() []task.View {
	rows := m.workers
	if m.synth != nil {
		rows = append(rows[:len(rows):len(rows)], *m.synth)
	}
	return rows
}

func (m TaskPaneModel) rowCount() int {
	n := len(m.workers)
	if m.synth != nil {
		n++
	}
	return n
}

// Selected returns the highlighted task, if any.
func (m TaskPaneModel) Selected() (task.View, bool) {
	rows := m.rows()
	if m.selectedIdx >= 0 && m.selectedIdx < len(rows) {
		return rows[m.selectedIdx], true
	}
	return task.View{}, false
}

// updateViewportContent shows the selected task's output or error.
func (m *TaskPaneModel) updateViewportContent() {
	v, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	switch {
	case v.Outcome == task.Failed:
		m.viewport.SetContent(StyleStatusFailed.Render("[ERROR] ") + v.Error)
	case v.Output != "":
		m.viewport.SetContent(v.Output)
	default:
		m.viewport.SetContent(StyleStatusPending.Render("[no output yet]"))
	}
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h

	rowsHeight := m.rowCount() + 3
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-rowsHeight-4, 3)
}
