package config

import (
	"errors"
	"fmt"
	"slices"
)

var (
	reasoningLevels = []string{"minimal", "low", "medium", "high"}
	verbosityLevels = []string{"low", "medium", "high"}
	traceFormats    = []string{"text", "yaml"}
	providerTypes   = []string{"openai", "claude"}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains(providerTypes, c.Provider.Type) {
		add("provider.type %q must be one of %v", c.Provider.Type, providerTypes)
	}
	if c.Provider.TimeoutSeconds < 0 {
		add("provider.timeout_seconds must not be negative")
	}
	if c.Model == "" {
		add("model must not be empty")
	}
	if !slices.Contains(reasoningLevels, c.Reasoning) {
		add("reasoning %q must be one of %v", c.Reasoning, reasoningLevels)
	}
	if !slices.Contains(verbosityLevels, c.Verbosity) {
		add("verbosity %q must be one of %v", c.Verbosity, verbosityLevels)
	}
	if c.MaxOutputTokens < 0 {
		add("max_output_tokens must not be negative")
	}

	if c.Workers < 1 || c.Workers > MaxWorkers {
		add("workers %d must be between 1 and %d", c.Workers, MaxWorkers)
	}
	if len(c.Roles) > MaxWorkers {
		add("roles: %d given, at most %d allowed", len(c.Roles), MaxWorkers)
	}
	seen := make(map[string]bool, len(c.Roles))
	for i, r := range c.Roles {
		switch {
		case r.Name == "":
			add("roles[%d]: name must not be empty", i)
		case seen[r.Name]:
			add("roles[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}

	r := c.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		add("retry.max_attempts %d must be between 1 and 10", r.MaxAttempts)
	}
	if r.BaseDelaySeconds < 1 || r.BaseDelaySeconds > 60 {
		add("retry.base_delay_seconds %d must be between 1 and 60", r.BaseDelaySeconds)
	}
	if r.MinDelaySeconds < 0 || r.MinDelaySeconds > r.BaseDelaySeconds {
		add("retry.min_delay_seconds %d must be between 0 and base_delay_seconds", r.MinDelaySeconds)
	}
	if r.MaxDelaySeconds != 0 && r.MaxDelaySeconds < r.BaseDelaySeconds {
		add("retry.max_delay_seconds %d must be 0 or at least base_delay_seconds", r.MaxDelaySeconds)
	}
	if r.BreakerThreshold < 0 {
		add("retry.breaker_threshold must not be negative")
	}

	if c.TraceFormat != "" && !slices.Contains(traceFormats, c.TraceFormat) {
		add("trace_format %q must be one of %v", c.TraceFormat, traceFormats)
	}
	if c.PollIntervalMS < 0 {
		add("poll_interval_ms must not be negative")
	}

	return errors.Join(errs...)
}
