package tui

import (
	"fmt"
	"io"
	"sync"

	"github.com/aristath/multiworker/internal/telemetry"
)

// PlainRenderer writes one line per task status change. It is used when
// stdout is not a terminal.
type PlainRenderer struct {
	mu     sync.Mutex
	w      io.Writer
	titled bool
	last   map[string]string
}

// NewPlainRenderer creates a renderer writing to w.
func NewPlainRenderer(w io.Writer) *PlainRenderer {
	return &PlainRenderer{w: w, last: make(map[string]string)}
}

// Render prints rows whose status changed since the previous frame. The
// final frame of a turn also prints the snapshot and resets the renderer
// for the next turn.
func (r *PlainRenderer) Render(d telemetry.Dashboard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.titled {
		fmt.Fprintln(r.w, d.Title())
		r.titled = true
	}

	rows := d.Workers
	if d.Synth != nil {
		rows = append(rows[:len(rows):len(rows)], *d.Synth)
	}
	for i, v := range rows {
		status := StatusText(v, d.Synth != nil && i == len(d.Workers))
		if r.last[v.Name] == status {
			continue
		}
		r.last[v.Name] = status
		fmt.Fprintf(r.w, "  %-12s %-10s %s  %s\n", v.Name, v.Model, telemetry.FormatElapsed(v.Elapsed(d.TakenAt)), status)
	}

	if d.Done() {
		s := d.Snapshot
		fmt.Fprintf(r.w, "  tokens in=%d out=%d total=%d | retries=%d\n",
			s.Tokens.InputTokens, s.Tokens.OutputTokens, s.Tokens.TotalTokens, s.Retries)
		r.titled = false
		r.last = make(map[string]string)
	}
}
