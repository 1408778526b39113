package config

import "time"

// ProviderConfig selects the model transport used by every task of a turn.
type ProviderConfig struct {
	Type           string `json:"type"`                      // "openai" or "claude"
	BaseURL        string `json:"base_url,omitempty"`        // Responses API root, openai only
	APIKeyEnv      string `json:"api_key_env,omitempty"`     // Environment variable holding the API key
	Command        string `json:"command,omitempty"`         // CLI binary, claude only
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // Per-request transport timeout, 0 = none
}

// RoleConfig names one worker and optionally overrides its instruction.
type RoleConfig struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction,omitempty"`
}

// RetryConfig controls the per-call retry engine.
type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	BaseDelaySeconds int `json:"base_delay_seconds"`
	MinDelaySeconds  int `json:"min_delay_seconds"`
	MaxDelaySeconds  int `json:"max_delay_seconds"` // 0 disables the upper clamp
	BreakerThreshold int `json:"breaker_threshold"` // Consecutive failures per model before tripping, 0 = off
}

// BaseDelay returns the base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// MinDelay returns the delay floor as a duration.
func (r RetryConfig) MinDelay() time.Duration {
	return time.Duration(r.MinDelaySeconds) * time.Second
}

// MaxDelay returns the delay ceiling as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// Config is the top-level configuration.
type Config struct {
	Provider        ProviderConfig `json:"provider"`
	Model           string         `json:"model"`
	ModelChoices    []string       `json:"model_choices,omitempty"`
	Reasoning       string         `json:"reasoning"` // minimal | low | medium | high
	Verbosity       string         `json:"verbosity"` // low | medium | high
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`

	Workers           int          `json:"workers"`
	WorkerInstruction string       `json:"worker_instruction"`
	SynthInstruction  string       `json:"synth_instruction"`
	Roles             []RoleConfig `json:"roles,omitempty"` // Overrides Workers when set

	Retry RetryConfig `json:"retry"`

	LogTraces      bool   `json:"log_traces"`
	TraceDir       string `json:"trace_dir,omitempty"`
	TraceFormat    string `json:"trace_format,omitempty"` // text | yaml
	DBPath         string `json:"db_path,omitempty"`
	MetricsAddr    string `json:"metrics_addr,omitempty"`
	PollIntervalMS int    `json:"poll_interval_ms,omitempty"`
}

// PollInterval returns the monitor sampling period. Zero means the monitor default.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Timeout returns the provider transport timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// RoleList returns the worker roles for a turn. Explicit roles win; otherwise
// Workers roles named Worker-1..Worker-N are generated. Empty instructions
// fall back to WorkerInstruction.
func (c *Config) RoleList() []RoleConfig {
	if len(c.Roles) > 0 {
		roles := make([]RoleConfig, len(c.Roles))
		for i, r := range c.Roles {
			if r.Instruction == "" {
				r.Instruction = c.WorkerInstruction
			}
			roles[i] = r
		}
		return roles
	}

	n := c.Workers
	if n < 1 {
		n = 1
	}
	roles := make([]RoleConfig, n)
	for i := range roles {
		roles[i] = RoleConfig{Name: workerName(i), Instruction: c.WorkerInstruction}
	}
	return roles
}
