package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// step is one scripted reaction of the fake backend.
type step func(ctx context.Context, req backend.Request) (backend.Response, error)

func reply(text string, in, out int) step {
	return func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{Text: text, Usage: backend.Usage{InputTokens: &in, OutputTokens: &out}}, nil
	}
}

func fail(msg string) step {
	return failWith(&backend.Error{Message: msg, StatusCode: 500})
}

func failWith(err error) step {
	return func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{}, err
	}
}

// scriptedBackend replays scripts keyed by request instruction. Once a script
// is exhausted its last step repeats.
type scriptedBackend struct {
	mu       sync.Mutex
	scripts  map[string][]step
	calls    map[string]int
	requests []backend.Request
}

func newScriptedBackend(scripts map[string][]step) *scriptedBackend {
	return &scriptedBackend{scripts: scripts, calls: make(map[string]int)}
}

func (b *scriptedBackend) Generate(ctx context.Context, req backend.Request) (backend.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	steps := b.scripts[req.Instructions]
	n := b.calls[req.Instructions]
	b.calls[req.Instructions]++
	b.mu.Unlock()

	if len(steps) == 0 {
		return backend.Response{}, fmt.Errorf("no script for instruction %q", req.Instructions)
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n](ctx, req)
}

func (b *scriptedBackend) Close() error {
	return nil
}

func (b *scriptedBackend) CallCount(instruction string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[instruction]
}

func (b *scriptedBackend) RequestsFor(instruction string) []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []backend.Request
	for _, r := range b.requests {
		if r.Instructions == instruction {
			out = append(out, r)
		}
	}
	return out
}

// instantTimer fires as soon as it is started so retries never really sleep.
type instantTimer struct {
	c chan time.Time
}

func newInstantTimer() backoff.Timer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(time.Duration) { t.c <- time.Time{} }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func testPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		BaseDelay:    5 * time.Second,
		DelayFloor:   time.Second,
		DelayCeiling: 2 * time.Minute,
	}
}

// TestGenerateWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestGenerateWithRetry_TransientThenSuccess(t *testing.T) {
	b := newScriptedBackend(map[string][]step{
		"": {fail("transient error 1"), fail("transient error 2"), reply("success", 3, 4)},
	})
	tel := telemetry.NewTurnTelemetry()

	res := generateWithRetry(context.Background(), b, backend.Request{}, nil, testPolicy(5), retryHooks{
		telemetry: tel,
		timer:     newInstantTimer(),
	})

	if !res.OK() {
		t.Fatalf("expected success after retries, got failure: %v", res.Failure.Message)
	}
	if res.Text != "success" {
		t.Errorf("expected text 'success', got %q", res.Text)
	}
	if res.Usage != (task.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}) {
		t.Errorf("usage = %+v", res.Usage)
	}
	if b.CallCount("") != 3 || res.Retry.Attempts != 3 {
		t.Errorf("expected 3 attempts, backend saw %d, context says %d", b.CallCount(""), res.Retry.Attempts)
	}
	if len(res.Retry.Sleeps) != 2 {
		t.Errorf("expected 2 sleeps, got %v", res.Retry.Sleeps)
	}

	c := tel.Counters()
	if c.Retries != 2 || c.RetriedCalls != 1 {
		t.Errorf("retries = %d, retried calls = %d; want 2 and 1", c.Retries, c.RetriedCalls)
	}
	if c.Usage.TotalTokens != 7 {
		t.Errorf("telemetry tokens = %d, want 7 (failed attempts contribute nothing)", c.Usage.TotalTokens)
	}
}

// TestGenerateWithRetry_Exhaustion verifies the final failure comes back as a tagged result.
func TestGenerateWithRetry_Exhaustion(t *testing.T) {
	b := newScriptedBackend(map[string][]step{"": {fail("persistent error")}})
	tel := telemetry.NewTurnTelemetry()

	res := generateWithRetry(context.Background(), b, backend.Request{}, nil, testPolicy(3), retryHooks{
		telemetry: tel,
		timer:     newInstantTimer(),
	})

	if res.OK() {
		t.Fatal("expected failure after exhausting attempts")
	}
	if res.Failure.Message != "status 500: persistent error" {
		t.Errorf("failure message = %q", res.Failure.Message)
	}
	if b.CallCount("") != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", b.CallCount(""))
	}
	if res.Retry.MaxAttempts != 3 || res.Retry.BaseDelay != 5*time.Second {
		t.Errorf("retry context = %+v", res.Retry)
	}
	if c := tel.Counters(); c.Retries != 2 || c.Usage != (task.Usage{}) {
		t.Errorf("counters = %+v", c)
	}
}

// TestGenerateWithRetry_SingleAttempt verifies MaxAttempts = 1 never retries.
func TestGenerateWithRetry_SingleAttempt(t *testing.T) {
	b := newScriptedBackend(map[string][]step{"": {fail("boom"), reply("never", 1, 1)}})
	tel := telemetry.NewTurnTelemetry()
	notified := 0

	res := generateWithRetry(context.Background(), b, backend.Request{}, nil, testPolicy(1), retryHooks{
		telemetry: tel,
		timer:     newInstantTimer(),
		onRetry:   func(int, time.Duration, error) { notified++ },
	})

	if res.OK() {
		t.Fatal("expected failure with a single attempt")
	}
	if b.CallCount("") != 1 {
		t.Errorf("expected 1 attempt, got %d", b.CallCount(""))
	}
	if notified != 0 || len(res.Retry.Sleeps) != 0 || tel.Counters().Retries != 0 {
		t.Errorf("expected zero retries: notified=%d sleeps=%v", notified, res.Retry.Sleeps)
	}
}

// TestGenerateWithRetry_TextHintDelay verifies "try again in 12.4s" waits at least 13s
// even though the base delay is 5s.
func TestGenerateWithRetry_TextHintDelay(t *testing.T) {
	b := newScriptedBackend(map[string][]step{
		"": {fail("Rate limit reached for gpt-5. Please try again in 12.4s."), reply("ok", 1, 1)},
	})

	var seen time.Duration
	res := generateWithRetry(context.Background(), b, backend.Request{}, nil, testPolicy(3), retryHooks{
		timer:   newInstantTimer(),
		onRetry: func(_ int, d time.Duration, _ error) { seen = d },
	})

	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Failure.Message)
	}
	if len(res.Retry.Sleeps) != 1 || res.Retry.Sleeps[0] < 13*time.Second {
		t.Errorf("sleeps = %v, want one delay >= 13s", res.Retry.Sleeps)
	}
	if seen != 13*time.Second {
		t.Errorf("notified delay = %v, want 13s", seen)
	}
}

// TestGenerateWithRetry_ServerHintDelay verifies a Retry-After value is honored.
func TestGenerateWithRetry_ServerHintDelay(t *testing.T) {
	b := newScriptedBackend(map[string][]step{
		"": {failWith(&backend.Error{Message: "slow down", StatusCode: 429, RetryAfter: 20 * time.Second}), reply("ok", 1, 1)},
	})

	res := generateWithRetry(context.Background(), b, backend.Request{}, nil, testPolicy(3), retryHooks{timer: newInstantTimer()})

	if len(res.Retry.Sleeps) != 1 || res.Retry.Sleeps[0] != 20*time.Second {
		t.Errorf("sleeps = %v, want [20s]", res.Retry.Sleeps)
	}
}

// TestRetryPolicyDelay covers hint parsing and clamping.
func TestRetryPolicyDelay(t *testing.T) {
	p := testPolicy(5)

	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{name: "nil error uses base", err: nil, want: 5 * time.Second},
		{name: "plain error uses base", err: errors.New("connection reset"), want: 5 * time.Second},
		{name: "text hint rounds up", err: errors.New("Please try again in 12.4s."), want: 13 * time.Second},
		{name: "text hint case insensitive", err: errors.New("TRY AGAIN IN 7S"), want: 7 * time.Second},
		{name: "text hint below base", err: errors.New("try again in 2s"), want: 5 * time.Second},
		{name: "text hint with space", err: errors.New("try again in 9 s"), want: 9 * time.Second},
		{name: "milliseconds do not match", err: errors.New("try again in 500ms"), want: 5 * time.Second},
		{name: "malformed hint", err: errors.New("try again in a few s"), want: 5 * time.Second},
		{name: "server hint", err: &backend.Error{Message: "x", RetryAfter: 30 * time.Second}, want: 30 * time.Second},
		{name: "wrapped server hint", err: fmt.Errorf("call: %w", &backend.Error{Message: "x", RetryAfter: 8 * time.Second}), want: 8 * time.Second},
		{name: "largest hint wins", err: &backend.Error{Message: "try again in 40s", RetryAfter: 30 * time.Second}, want: 40 * time.Second},
		{name: "ceiling clamps", err: errors.New("try again in 600s"), want: 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.err); got != tt.want {
				t.Errorf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyDelayFloorAndNoCeiling(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: 0, DelayFloor: 3 * time.Second}

	if got := p.Delay(errors.New("x")); got != 3*time.Second {
		t.Errorf("Delay = %v, want floor 3s", got)
	}
	if got := p.Delay(errors.New("try again in 900s")); got != 900*time.Second {
		t.Errorf("Delay = %v, want 900s with no ceiling", got)
	}
}

// TestRetryDelayNeverBelowBaseOrHint checks the delay lower bound over a spread of hints.
func TestRetryDelayNeverBelowBaseOrHint(t *testing.T) {
	for _, base := range []time.Duration{time.Second, 5 * time.Second, 60 * time.Second} {
		p := RetryPolicy{MaxAttempts: 3, BaseDelay: base, DelayFloor: time.Second, DelayCeiling: 2 * time.Minute}
		for _, hint := range []float64{0.2, 1, 4.5, 12.4, 59.9, 61} {
			err := &backend.Error{
				Message:    fmt.Sprintf("try again in %.1fs", hint),
				RetryAfter: time.Duration(hint*0.5) * time.Second,
			}
			d := p.Delay(err)
			if d < base {
				t.Errorf("base %v hint %.1f: delay %v below base", base, hint, d)
			}
			if d < time.Duration(hint*float64(time.Second)) {
				t.Errorf("base %v hint %.1f: delay %v below text hint", base, hint, d)
			}
			if d < err.RetryAfter {
				t.Errorf("base %v hint %.1f: delay %v below server hint", base, hint, d)
			}
		}
	}
}

// TestGenerateWithRetry_ContextCancelledDuringSleep verifies the caller's
// context interrupts a backoff sleep.
func TestGenerateWithRetry_ContextCancelledDuringSleep(t *testing.T) {
	b := newScriptedBackend(map[string][]step{"": {fail("try again in 60s")}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	tel := telemetry.NewTurnTelemetry()
	announced, retried := 0, 0
	start := time.Now()
	res := generateWithRetry(ctx, b, backend.Request{}, nil, testPolicy(5), retryHooks{
		telemetry: tel,
		onRetry:   func(int, time.Duration, error) { announced++ },
		onRetried: func(time.Duration) { retried++ },
	})

	if res.OK() {
		t.Fatal("expected failure after cancellation")
	}
	if !errors.Is(res.Failure.Err, context.DeadlineExceeded) {
		t.Errorf("failure err = %v, want deadline exceeded", res.Failure.Err)
	}
	if b.CallCount("") != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", b.CallCount(""))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
	// The interrupted sleep never led to another attempt.
	if res.Retry.Attempts != 1 || len(res.Retry.Sleeps) != 0 {
		t.Errorf("attempts = %d, sleeps = %v, want 1 attempt and no sleeps", res.Retry.Attempts, res.Retry.Sleeps)
	}
	if got := tel.Counters().Retries; got != res.Retry.Attempts-1 {
		t.Errorf("telemetry retries = %d, want %d", got, res.Retry.Attempts-1)
	}
	if announced != 1 || retried != 0 {
		t.Errorf("announced = %d, retried = %d, want 1 and 0", announced, retried)
	}
}

func TestGenerateWithRetry_EmptyResponse(t *testing.T) {
	tests := []struct {
		name     string
		script   []step
		attempts int
		wantOK   bool
		wantText string
	}{
		{
			name:     "empty then text",
			script:   []step{reply("", 5, 0), reply(" \n", 5, 0), reply("answer", 5, 3)},
			attempts: 5,
			wantOK:   true,
			wantText: "answer",
		},
		{
			name:     "always empty",
			script:   []step{reply("", 5, 0)},
			attempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(map[string][]step{"": tt.script})
			tel := telemetry.NewTurnTelemetry()

			res := generateWithRetry(context.Background(), b, backend.Request{}, nil, testPolicy(tt.attempts), retryHooks{
				telemetry: tel,
				timer:     newInstantTimer(),
			})

			if res.OK() != tt.wantOK {
				t.Fatalf("OK = %v, want %v (failure %+v)", res.OK(), tt.wantOK, res.Failure)
			}
			if tt.wantOK {
				if res.Text != tt.wantText || res.Retry.Attempts != 3 {
					t.Errorf("text = %q after %d attempts, want %q after 3", res.Text, res.Retry.Attempts, tt.wantText)
				}
				if got := tel.Counters().Retries; got != 2 {
					t.Errorf("telemetry retries = %d, want 2", got)
				}
				return
			}
			if !errors.Is(res.Failure.Err, backend.ErrEmptyResponse) {
				t.Errorf("failure err = %v, want ErrEmptyResponse", res.Failure.Err)
			}
			if res.Failure.Message != "empty response" {
				t.Errorf("failure message = %q", res.Failure.Message)
			}
			if b.CallCount("") != tt.attempts {
				t.Errorf("calls = %d, want %d", b.CallCount(""), tt.attempts)
			}
		})
	}
}

// TestGenerateWithRetry_ConcurrentCallersShareTelemetry verifies retry counters
// stay exact when many calls retry at once.
func TestGenerateWithRetry_ConcurrentCallersShareTelemetry(t *testing.T) {
	const callers = 12
	tel := telemetry.NewTurnTelemetry()

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instr := fmt.Sprintf("caller-%d", i)
			b := newScriptedBackend(map[string][]step{instr: {fail("a"), fail("b"), reply("ok", 1, 2)}})
			generateWithRetry(context.Background(), b, backend.Request{Instructions: instr}, nil, testPolicy(5), retryHooks{
				telemetry: tel,
				timer:     newInstantTimer(),
			})
		}()
	}
	wg.Wait()

	c := tel.Counters()
	if c.Retries != 2*callers {
		t.Errorf("retries = %d, want %d", c.Retries, 2*callers)
	}
	if c.RetriedCalls != callers {
		t.Errorf("retried calls = %d, want %d", c.RetriedCalls, callers)
	}
	if c.Usage.TotalTokens != 3*callers {
		t.Errorf("tokens = %d, want %d", c.Usage.TotalTokens, 3*callers)
	}
}

// TestCircuitBreakerRegistry_Disabled verifies a zero threshold yields no breaker.
func TestCircuitBreakerRegistry_Disabled(t *testing.T) {
	if cb := NewCircuitBreakerRegistry(0, 0).Get("gpt-5"); cb != nil {
		t.Error("expected nil breaker when threshold is 0")
	}

	var nilRegistry *CircuitBreakerRegistry
	if cb := nilRegistry.Get("gpt-5"); cb != nil {
		t.Error("expected nil breaker from nil registry")
	}
}

// TestCircuitBreakerRegistry_PerModel verifies each model gets its own breaker.
func TestCircuitBreakerRegistry_PerModel(t *testing.T) {
	reg := NewCircuitBreakerRegistry(3, time.Minute)

	a1 := reg.Get("gpt-5")
	a2 := reg.Get("gpt-5")
	b := reg.Get("gpt-5-mini")

	if a1 != a2 {
		t.Error("expected the same breaker for the same model")
	}
	if a1 == b {
		t.Error("expected different breakers for different models")
	}
	if a1.Name() != "gpt-5" {
		t.Errorf("breaker name = %q", a1.Name())
	}
}

// TestGenerateWithRetry_OpenBreakerIsRetryable verifies an open breaker counts as
// an ordinary failed attempt and never shortens MaxAttempts.
func TestGenerateWithRetry_OpenBreakerIsRetryable(t *testing.T) {
	b := newScriptedBackend(map[string][]step{"": {fail("down")}})
	cb := NewCircuitBreakerRegistry(2, time.Hour).Get("gpt-5")

	res := generateWithRetry(context.Background(), b, backend.Request{Model: "gpt-5"}, cb, testPolicy(5), retryHooks{timer: newInstantTimer()})

	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Retry.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", res.Retry.Attempts)
	}
	if b.CallCount("") != 2 {
		t.Errorf("backend calls = %d, want 2 (breaker opens after 2 failures)", b.CallCount(""))
	}
	if !errors.Is(res.Failure.Err, gobreaker.ErrOpenState) {
		t.Errorf("final error = %v, want open state", res.Failure.Err)
	}
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
}

// TestCircuitBreaker_UserCancellationNotCounted verifies cancellations don't trip the breaker.
func TestCircuitBreaker_UserCancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreakerRegistry(2, time.Hour).Get("gpt-5")

	for range 5 {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, context.Canceled
		})
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}
