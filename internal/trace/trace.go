// Package trace writes a full record of one turn to disk: the chat before
// the turn, every worker draft with its status, and the final answer.
package trace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/orchestrator"
	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatYAML = "yaml"
)

// Draft is one task's contribution to the trace.
type Draft struct {
	Name     string   `yaml:"name"`
	Model    string   `yaml:"model"`
	Status   string   `yaml:"status"` // ok, error or running
	Elapsed  string   `yaml:"elapsed"`
	Attempts int      `yaml:"attempts"`
	Delays   []string `yaml:"retry_delays,omitempty"`
	Output   string   `yaml:"output,omitempty"`
	Error    string   `yaml:"error,omitempty"`
}

// Record is the full trace of a turn.
type Record struct {
	RunAt       time.Time               `yaml:"run_at"`
	History     []backend.Message       `yaml:"history"`
	UserMessage string                  `yaml:"user_message"`
	Workers     []Draft                 `yaml:"workers"`
	Synthesis   Draft                   `yaml:"synthesis"`
	Answer      string                  `yaml:"answer"`
	Usage       task.Usage              `yaml:"usage"`
	Totals      telemetry.RunningTotals `yaml:"totals"`
}

// Build assembles the record for a finished turn. history is the input the
// turn ran on; a trailing user message is reported as the latest message.
func Build(res orchestrator.TurnResult, history []backend.Message) Record {
	rec := Record{
		RunAt:   res.Started,
		History: []backend.Message{},
		Answer:  res.Answer,
		Usage:   res.Usage,
		Totals:  res.Totals,
	}

	before := history
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		rec.UserMessage = strings.TrimSpace(history[n-1].Content)
		before = history[:n-1]
	}
	rec.History = append(rec.History, before...)

	rec.Workers = make([]Draft, len(res.Workers))
	for i, w := range res.Workers {
		var rc orchestrator.RetryContext
		if i < len(res.WorkerRetries) {
			rc = res.WorkerRetries[i]
		}
		rec.Workers[i] = draftOf(w, rc, res.Finished)
	}
	rec.Synthesis = draftOf(res.Synth, res.SynthRetry, res.Finished)

	return rec
}

func draftOf(v task.View, rc orchestrator.RetryContext, now time.Time) Draft {
	d := Draft{
		Name:     v.Name,
		Model:    v.Model,
		Status:   status(v.Outcome),
		Elapsed:  telemetry.FormatElapsed(v.Elapsed(now)),
		Attempts: rc.Attempts,
		Output:   v.Output,
		Error:    v.Error,
	}
	for _, s := range rc.Sleeps {
		d.Delays = append(d.Delays, s.String())
	}
	return d
}

func status(o task.Outcome) string {
	switch o {
	case task.Succeeded:
		return "ok"
	case task.Failed:
		return "error"
	default:
		return "running"
	}
}

// Text renders the record in the plain-text trace layout.
func (r Record) Text() string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("[Run @ %s]", r.RunAt.Format("2006-01-02 15:04:05"))
	line("")
	line("=== CHAT HISTORY BEFORE THIS TURN ===")
	for _, m := range r.History {
		line("%s: %s", m.Role, m.Content)
	}
	line("")
	line("=== LATEST USER MESSAGE ===")
	line("%s", r.UserMessage)
	line("")
	line("=== WORKER DRAFTS ===")
	for _, d := range r.Workers {
		line("")
		line("--- %s (%s) | elapsed %s | status: %s ---", d.Name, d.Model, d.Elapsed, d.Status)
		switch {
		case d.Status == "ok" && d.Output != "":
			line("%s", d.Output)
		case d.Error != "":
			line("[ERROR] %s", d.Error)
		default:
			line("[no output]")
		}
	}
	line("")
	line("=== FINAL ANSWER ===")
	line("%s", r.Answer)
	return b.String()
}

// Write stores the record in dir as multiworker_trace_<timestamp> with a
// .txt or .yaml extension and returns the path written. An existing file
// with the same name is never overwritten.
func Write(dir, format string, rec Record) (string, error) {
	var (
		data []byte
		ext  string
	)
	switch format {
	case "", FormatText:
		data, ext = []byte(rec.Text()), ".txt"
	case FormatYAML:
		out, err := yaml.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("marshaling trace: %w", err)
		}
		data, ext = out, ".yaml"
	default:
		return "", fmt.Errorf("unknown trace format %q", format)
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}

	base := "multiworker_trace_" + rec.RunAt.Format("20060102-150405")
	for i := 0; ; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating trace file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("writing trace to %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("closing %s: %w", path, err)
		}
		return path, nil
	}
}
