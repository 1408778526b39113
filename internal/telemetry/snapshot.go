package telemetry

import (
	"fmt"
	"time"

	"github.com/aristath/multiworker/internal/task"
)

// WorkerCounts tallies worker outcomes.
type WorkerCounts struct {
	Total     int
	Succeeded int
	Failed    int
	Pending   int
}

// Snapshot is a read-only summary of a turn in progress.
type Snapshot struct {
	Tokens       task.Usage
	Workers      WorkerCounts
	AvgElapsed   time.Duration
	MaxElapsed   time.Duration
	Retries      int
	RetriedCalls int
	MaxDelay     time.Duration
}

// Summarize builds a snapshot from worker views and the turn counters.
// It works on copies only; t may be nil before any call has been recorded.
func Summarize(workers []task.View, t *TurnTelemetry, now time.Time) Snapshot {
	var s Snapshot
	if t != nil {
		c := t.Counters()
		s.Tokens = c.Usage
		s.Retries = c.Retries
		s.RetriedCalls = c.RetriedCalls
		for _, d := range c.Delays {
			s.MaxDelay = max(s.MaxDelay, d)
		}
	}

	var sum time.Duration
	for _, w := range workers {
		s.Workers.Total++
		switch w.Outcome {
		case task.Succeeded:
			s.Workers.Succeeded++
		case task.Failed:
			s.Workers.Failed++
		default:
			s.Workers.Pending++
		}

		e := w.Elapsed(now)
		sum += e
		s.MaxElapsed = max(s.MaxElapsed, e)
	}
	if s.Workers.Total > 0 {
		s.AvgElapsed = sum / time.Duration(s.Workers.Total)
	}
	return s
}

// Dashboard is one frame handed to a renderer: every task view plus the
// snapshot computed from them.
type Dashboard struct {
	Model     string
	Reasoning string
	Workers   []task.View
	Synth     *task.View // Nil until synthesis starts
	Snapshot  Snapshot
	TakenAt   time.Time
}

// Done reports whether every worker and the synthesizer are terminal.
func (d Dashboard) Done() bool {
	for _, w := range d.Workers {
		if !w.Terminal() {
			return false
		}
	}
	return d.Synth != nil && d.Synth.Terminal()
}

// Title is the header line shown above the task table.
func (d Dashboard) Title() string {
	return fmt.Sprintf("Multi-Worker Orchestrator (%s, reasoning=%s)", d.Model, d.Reasoning)
}

// FormatElapsed renders a duration as MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
