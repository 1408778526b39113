package task

import (
	"errors"
	"sync"
	"time"
)

// Outcome represents where a task is in its lifecycle.
type Outcome int

const (
	Pending   Outcome = iota // Launched, no result yet
	Succeeded                // Produced output
	Failed                   // Gave up after retries
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyTerminal is returned when a second outcome is recorded for a task.
var ErrAlreadyTerminal = errors.New("task already reached a terminal outcome")

// Usage holds the token counters of a successful call.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
	TotalTokens  int `json:"total_tokens" yaml:"total_tokens"`
}

// Add returns the field-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// State is the lifecycle record of one concurrent unit of work: a worker or
// the synthesizer. The goroutine running the task is its only writer; once the
// outcome is terminal the record never changes again.
type State struct {
	mu      sync.RWMutex
	name    string
	model   string
	started time.Time
	ended   time.Time
	outcome Outcome
	err     string
	output  string
	usage   Usage
}

// New creates a pending state whose clock starts at started.
func New(name, model string, started time.Time) *State {
	return &State{
		name:    name,
		model:   model,
		started: started,
		outcome: Pending,
	}
}

// Succeed records the task output and usage and stamps the end time.
func (s *State) Succeed(output string, usage Usage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome != Pending {
		return ErrAlreadyTerminal
	}

	s.outcome = Succeeded
	s.output = output
	s.usage = usage
	s.ended = clampEnd(s.started, at)
	return nil
}

// Fail records the error detail and stamps the end time.
func (s *State) Fail(detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome != Pending {
		return ErrAlreadyTerminal
	}

	if detail == "" {
		detail = "unknown error"
	}
	s.outcome = Failed
	s.err = detail
	s.ended = clampEnd(s.started, at)
	return nil
}

// Outcome returns the current outcome.
func (s *State) Outcome() Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome
}

// Terminal reports whether the task has finished, successfully or not.
func (s *State) Terminal() bool {
	return s.Outcome() != Pending
}

// Name returns the role name.
func (s *State) Name() string {
	return s.name
}

// View returns a point-in-time copy of the state.
func (s *State) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return View{
		Name:    s.name,
		Model:   s.model,
		Started: s.started,
		Ended:   s.ended,
		Outcome: s.outcome,
		Error:   s.err,
		Output:  s.output,
		Usage:   s.usage,
	}
}

// clampEnd keeps end >= start even if the clock moved backwards.
func clampEnd(start, end time.Time) time.Time {
	if end.Before(start) {
		return start
	}
	return end
}

// View is an immutable snapshot of a State.
type View struct {
	Name    string
	Model   string
	Started time.Time
	Ended   time.Time // Zero while pending
	Outcome Outcome
	Error   string // Set iff Failed
	Output  string // Set iff Succeeded
	Usage   Usage  // Set iff Succeeded
}

// Terminal reports whether the viewed task had finished.
func (v View) Terminal() bool {
	return v.Outcome != Pending
}

// Elapsed returns end-start for finished tasks and now-start otherwise.
func (v View) Elapsed(now time.Time) time.Duration {
	end := v.Ended
	if end.IsZero() {
		end = now
	}
	if d := end.Sub(v.Started); d > 0 {
		return d
	}
	return 0
}
