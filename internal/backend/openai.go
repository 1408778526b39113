package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// maxErrorBody bounds how much of a rejected response is kept in the error message.
const maxErrorBody = 2048

// OpenAIAdapter calls the OpenAI Responses API over HTTP.
type OpenAIAdapter struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// responsesRequest is the JSON body posted to /responses.
type responsesRequest struct {
	Model           string            `json:"model"`
	Instructions    string            `json:"instructions,omitempty"`
	Input           any               `json:"input"`
	Reasoning       *reasoningOptions `json:"reasoning,omitempty"`
	Text            *textOptions      `json:"text,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
}

type reasoningOptions struct {
	Effort string `json:"effort"`
}

type textOptions struct {
	Verbosity string `json:"verbosity"`
}

// responsesResponse is the subset of the Responses API payload we read.
// Example: {"output_text": "...", "output": [{"content": [{"type": "output_text", "text": "..."}]}], "usage": {...}}
type responsesResponse struct {
	OutputText *string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage Usage `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIAdapter creates a Responses API adapter.
// A zero cfg.Timeout leaves the HTTP client without a timeout.
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid base URL %q: must start with http:// or https://", cfg.BaseURL)
	}

	return &OpenAIAdapter{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Generate posts the request to /responses and extracts text and usage.
func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(a.buildPayload(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if a.userAgent != "" {
		httpReq.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("reading response: %v", err), StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &Error{
			Message:    errorMessage(data, resp.Status),
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header, time.Now()),
		}
	}

	return parseResponsesBody(data)
}

// Close is a no-op; the HTTP client holds no per-adapter resources.
func (a *OpenAIAdapter) Close() error {
	return nil
}

func (a *OpenAIAdapter) buildPayload(req Request) responsesRequest {
	payload := responsesRequest{
		Model:           req.Model,
		Instructions:    req.Instructions,
		MaxOutputTokens: req.MaxOutputTokens,
	}

	if len(req.Input) > 0 {
		input := make([]Message, 0, len(req.Input)+1)
		input = append(input, req.Input...)
		if req.Prompt != "" {
			input = append(input, Message{Role: "user", Content: req.Prompt})
		}
		payload.Input = input
	} else {
		payload.Input = req.Prompt
	}

	if req.Reasoning != "" {
		payload.Reasoning = &reasoningOptions{Effort: req.Reasoning}
	}
	if req.Verbosity != "" {
		payload.Text = &textOptions{Verbosity: req.Verbosity}
	}
	return payload
}

// parseResponsesBody prefers the aggregated output_text field and falls back to
// concatenating output_text content blocks.
func parseResponsesBody(data []byte) (Response, error) {
	var rr responsesResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return Response{}, &Error{Message: fmt.Sprintf("failed to unmarshal response: %v", err), Err: err}
	}

	text := ""
	if rr.OutputText != nil {
		text = strings.TrimSpace(*rr.OutputText)
	}
	if text == "" {
		var b strings.Builder
		for _, item := range rr.Output {
			for _, block := range item.Content {
				if block.Type == "output_text" {
					b.WriteString(block.Text)
				}
			}
		}
		text = strings.TrimSpace(b.String())
	}

	return Response{Text: text, Usage: rr.Usage}, nil
}

func errorMessage(body []byte, status string) string {
	var apiErr apiErrorBody
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return status
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return msg
}

// retryAfter reads the server retry hint. retry-after-ms wins over
// Retry-After, which may hold seconds or an HTTP date. Malformed values yield 0.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}

	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
