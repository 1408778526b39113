package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/multiworker/internal/task"
)

// StatusText is the status cell of a task row. Synthesis rows read
// "synthesizing" and "finalizing" where worker rows read "running" and "done".
func StatusText(v task.View, synth bool) string {
	switch v.Outcome {
	case task.Succeeded:
		if synth {
			return "finalizing ✓"
		}
		return "done ✓"
	case task.Failed:
		return strings.TrimSpace("error ✗ " + firstLine(v.Error))
	default:
		if synth {
			return "synthesizing"
		}
		return "running"
	}
}

// StyleFor picks the status style for an outcome.
func StyleFor(o task.Outcome) func(...string) string {
	switch o {
	case task.Succeeded:
		return StyleStatusComplete.Render
	case task.Failed:
		return StyleStatusFailed.Render
	default:
		return StyleStatusRunning.Render
	}
}

// retryNote describes the retry scheduled after a failed attempt, e.g.
// "attempt 2 after 13s".
func retryNote(failed int, delay time.Duration) string {
	return fmt.Sprintf("attempt %d after %s", failed+1, delay.Round(time.Second))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
