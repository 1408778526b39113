package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role" yaml:"role"` // "user", "assistant" or "system"
	Content string `json:"content" yaml:"content"`
}

// Request is a single inference call.
// Either Input (ordered conversation) or Prompt (single string) is set.
type Request struct {
	Model           string
	Instructions    string // System instruction for this call
	Input           []Message
	Prompt          string
	Reasoning       string // "minimal", "low", "medium", "high"
	Verbosity       string // "low", "medium", "high"
	MaxOutputTokens int    // 0 means no bound
}

// Transcript flattens the request input into a single string.
// Adapters that only accept one prompt use it.
func (r Request) Transcript() string {
	if len(r.Input) == 0 {
		return r.Prompt
	}

	var b strings.Builder
	for i, m := range r.Input {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	if r.Prompt != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Prompt)
	}
	return b.String()
}

// Usage carries the token counters reported by the service.
// Nil fields were absent from the response.
type Usage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
	TotalTokens  *int `json:"total_tokens,omitempty"`
}

// Response is a successful inference result.
type Response struct {
	Text  string
	Usage Usage
}

// Config defines the configuration for a backend.
type Config struct {
	Type      string        // "openai" or "claude"
	BaseURL   string        // openai: API root, defaults to https://api.openai.com/v1
	APIKey    string        // openai: bearer token
	Command   string        // claude: CLI binary, defaults to "claude"
	WorkDir   string        // claude: working directory for the subprocess
	Timeout   time.Duration // openai: HTTP client timeout, 0 disables it
	UserAgent string
}

// ErrEmptyResponse marks a call that succeeded at the transport level but
// produced no text.
var ErrEmptyResponse = errors.New("empty response")

// Error is a failed inference call.
// RetryAfter is the server's retry hint, zero when the response carried none.
type Error struct {
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
