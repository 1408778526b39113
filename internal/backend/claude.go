package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ClaudeAdapter runs each inference call as a one-shot Claude CLI invocation.
// The CLI keeps no session between calls, so the whole conversation is
// flattened into the prompt.
type ClaudeAdapter struct {
	command string
	workDir string
	procMgr *ProcessManager
}

// claudeResponse represents the JSON structure returned by `claude -p --output-format json`.
// Example: {"type": "result", "is_error": false, "result": "text", "usage": {"input_tokens": 12, "output_tokens": 40}}
type claudeResponse struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Usage   struct {
		InputTokens  *int `json:"input_tokens"`
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeAdapter creates a Claude CLI adapter.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &ClaudeAdapter{
		command: command,
		workDir: workDir,
		procMgr: procMgr,
	}, nil
}

// Generate runs the CLI once and parses its JSON result.
func (a *ClaudeAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	cmd := newCommand(ctx, a.command, a.buildArgs(req)...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("claude command failed: %v", err), Err: err}
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{}, &Error{
			Message: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, strings.TrimSpace(string(stderr))),
			Err:     err,
		}
	}
	return resp, nil
}

// Close is a no-op for the Claude CLI (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (a *ClaudeAdapter) buildArgs(req Request) []string {
	args := []string{"-p", req.Transcript(), "--output-format", "json"}

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Instructions != "" {
		args = append(args, "--system-prompt", req.Instructions)
	}

	return args
}

// parseClaudeResponse parses the JSON output from the Claude CLI.
// A result flagged is_error becomes an *Error carrying the result text.
func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	if cr.IsError {
		msg := strings.TrimSpace(cr.Result)
		if msg == "" {
			msg = "claude reported an error"
		}
		return Response{}, &Error{Message: msg}
	}

	usage := Usage{
		InputTokens:  cr.Usage.InputTokens,
		OutputTokens: cr.Usage.OutputTokens,
	}
	if usage.InputTokens != nil && usage.OutputTokens != nil {
		total := *usage.InputTokens + *usage.OutputTokens
		usage.TotalTokens = &total
	}

	return Response{
		Text:  strings.TrimSpace(cr.Result),
		Usage: usage,
	}, nil
}
