// Package telemetry aggregates token usage and retry statistics for a turn and
// produces read-only snapshots of them for renderers.
package telemetry

import (
	"sync"
	"time"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/task"
)

// ExtractUsage converts the counters reported by a backend into task.Usage.
// Missing fields count as zero; a missing total is input + output.
func ExtractUsage(u backend.Usage) task.Usage {
	var out task.Usage
	if u.InputTokens != nil && *u.InputTokens > 0 {
		out.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil && *u.OutputTokens > 0 {
		out.OutputTokens = *u.OutputTokens
	}
	if u.TotalTokens != nil && *u.TotalTokens > 0 {
		out.TotalTokens = *u.TotalTokens
	} else {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}

// TurnTelemetry accumulates per-turn counters. Workers and the synthesizer
// write to it concurrently; all access goes through the mutex.
type TurnTelemetry struct {
	mu           sync.Mutex
	usage        task.Usage
	retries      int
	retriedCalls int
	delays       []time.Duration
}

// Counters is a point-in-time copy of a TurnTelemetry.
type Counters struct {
	Usage        task.Usage
	Retries      int // Retry attempts across all calls, first attempts excluded
	RetriedCalls int // Calls that needed at least one retry
	Delays       []time.Duration
}

// NewTurnTelemetry creates empty per-turn counters.
func NewTurnTelemetry() *TurnTelemetry {
	return &TurnTelemetry{}
}

// RecordUsage adds the usage of one successful call.
func (t *TurnTelemetry) RecordUsage(u task.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = t.usage.Add(u)
}

// RecordRetry counts one retry attempt and its delay. firstForCall marks the
// first retry of a call, which also counts the call as retried.
func (t *TurnTelemetry) RecordRetry(delay time.Duration, firstForCall bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.retries++
	if firstForCall {
		t.retriedCalls++
	}
	t.delays = append(t.delays, delay)
}

// Usage returns the tokens accumulated so far.
func (t *TurnTelemetry) Usage() task.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Counters returns a copy of every counter.
func (t *TurnTelemetry) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()

	delays := make([]time.Duration, len(t.delays))
	copy(delays, t.delays)
	return Counters{
		Usage:        t.usage,
		Retries:      t.retries,
		RetriedCalls: t.retriedCalls,
		Delays:       delays,
	}
}

// RunningTotals is the cross-turn token ledger. The caller owns it: a turn
// receives a baseline and returns the merged value.
type RunningTotals struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
	TotalTokens  int `json:"total_tokens" yaml:"total_tokens"`
	Turns        int `json:"turns" yaml:"turns"`
}

// Merge returns r plus one turn's usage. r is not modified.
func (r RunningTotals) Merge(turn task.Usage) RunningTotals {
	return RunningTotals{
		InputTokens:  r.InputTokens + turn.InputTokens,
		OutputTokens: r.OutputTokens + turn.OutputTokens,
		TotalTokens:  r.TotalTokens + turn.TotalTokens,
		Turns:        r.Turns + 1,
	}
}
