package config

import (
	"fmt"
	"path/filepath"
)

const (
	DefaultModel     = "gpt-5"
	DefaultReasoning = "medium"
	DefaultVerbosity = "low"
	DefaultWorkers   = 4

	// MaxWorkers bounds the fan-out of a single turn.
	MaxWorkers = 8
)

// DefaultModelChoices are offered by the settings form.
var DefaultModelChoices = []string{"gpt-5", "gpt-5-mini", "gpt-5-nano"}

// Default system instructions for both stages.
const (
	DefaultWorkerInstruction = "You are a Worker. Read the chat so far and the latest user message. " +
		"Use brief internal reasoning, then return a complete, correct, and concise draft answer. " +
		"No preamble; focus on the solution."

	DefaultSynthInstruction = "You are the Synthesizer. Read the chat so far and the Worker drafts. " +
		"Merge the best ideas, resolve conflicts, and produce ONE polished answer. " +
		"Be decisive, accurate, and concise. Output only the final answer, no preamble."
)

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:      "openai",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Model:             DefaultModel,
		ModelChoices:      append([]string(nil), DefaultModelChoices...),
		Reasoning:         DefaultReasoning,
		Verbosity:         DefaultVerbosity,
		Workers:           DefaultWorkers,
		WorkerInstruction: DefaultWorkerInstruction,
		SynthInstruction:  DefaultSynthInstruction,
		Retry: RetryConfig{
			MaxAttempts:      5,
			BaseDelaySeconds: 5,
			MinDelaySeconds:  1,
			MaxDelaySeconds:  120,
		},
		TraceDir:       ".",
		TraceFormat:    "text",
		DBPath:         filepath.Join("sessions", "multiworker.db"),
		PollIntervalMS: 80,
	}
}

func workerName(i int) string {
	return fmt.Sprintf("Worker-%d", i+1)
}
