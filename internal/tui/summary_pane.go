package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/multiworker/internal/telemetry"
)

// SummaryPaneModel renders the turn snapshot: worker outcome counts, a
// progress bar, token usage and retry counters.
type SummaryPaneModel struct {
	snap  telemetry.Snapshot
	width int
}

// NewSummaryPaneModel creates an empty summary pane.
func NewSummaryPaneModel() SummaryPaneModel {
	return SummaryPaneModel{}
}

// SetSnapshot replaces the displayed snapshot.
func (m *SummaryPaneModel) SetSnapshot(s telemetry.Snapshot) {
	m.snap = s
}

// SetWidth updates the pane width.
func (m *SummaryPaneModel) SetWidth(w int) {
	m.width = w
}

// View renders the summary pane.
func (m SummaryPaneModel) View() string {
	if m.width == 0 {
		return ""
	}
	s := m.snap
	w := s.Workers

	var b strings.Builder
	fmt.Fprintf(&b, "Workers: %s ok  %s failed  %s running   ",
		StyleStatusComplete.Render(fmt.Sprint(w.Succeeded)),
		StyleStatusFailed.Render(fmt.Sprint(w.Failed)),
		StyleStatusRunning.Render(fmt.Sprint(w.Pending)))

	if w.Total > 0 {
		barWidth := min(m.width-40, 30)
		if barWidth > 0 {
			okWidth := (w.Succeeded * barWidth) / w.Total
			failedWidth := (w.Failed * barWidth) / w.Total
			pendingWidth := barWidth - okWidth - failedWidth

			bar := StyleStatusComplete.Render(strings.Repeat("=", okWidth))
			bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
			bar += StyleStatusPending.Render(strings.Repeat(".", pendingWidth))
			fmt.Fprintf(&b, "[%s] %d/%d", bar, w.Succeeded+w.Failed, w.Total)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Tokens: in %d  out %d  total %d   Retries: %d (%d calls, max wait %s)   Elapsed: avg %s  max %s",
		s.Tokens.InputTokens, s.Tokens.OutputTokens, s.Tokens.TotalTokens,
		s.Retries, s.RetriedCalls, s.MaxDelay,
		telemetry.FormatElapsed(s.AvgElapsed), telemetry.FormatElapsed(s.MaxElapsed))

	return lipgloss.NewStyle().Width(m.width).Render(b.String())
}
