package backend

import (
	"context"
	"fmt"
)

// Backend defines the contract the orchestrator needs from an inference service.
type Backend interface {
	// Generate runs one inference call. Failures are returned as *Error
	// whenever the adapter can attach a message or retry hint.
	Generate(ctx context.Context, req Request) (Response, error)

	// Close releases adapter resources.
	Close() error
}

// New creates a new backend based on the provided configuration.
// The ProcessManager is only used by subprocess adapters and may be nil.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIAdapter(cfg)
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
