package orchestrator

import (
	"context"
	"errors"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// RetryPolicy bounds the retries of one remote call.
type RetryPolicy struct {
	MaxAttempts  int           // Total invocations including the first (default 5)
	BaseDelay    time.Duration // Minimum wait before a retry (default 5s)
	DelayFloor   time.Duration // Lower clamp on the computed delay (default 1s)
	DelayCeiling time.Duration // Upper clamp on the computed delay, 0 disables it (default 2min)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    5 * time.Second,
		DelayFloor:   time.Second,
		DelayCeiling: 2 * time.Minute,
	}
}

// textHintPattern matches phrasing such as "Please try again in 12.4s."
var textHintPattern = regexp.MustCompile(`(?i)try again in\s*([0-9]+(?:\.[0-9]+)?)\s*s`)

// Delay computes the wait before retrying after err:
// clamp(max(base, server hint, text hint), floor, ceiling).
func (p RetryPolicy) Delay(err error) time.Duration {
	d := max(p.BaseDelay, serverHint(err), textHint(err))
	if p.DelayFloor > 0 && d < p.DelayFloor {
		d = p.DelayFloor
	}
	if p.DelayCeiling > 0 && d > p.DelayCeiling {
		d = p.DelayCeiling
	}
	return d
}

// serverHint returns the retry-after value attached to a backend error.
func serverHint(err error) time.Duration {
	var be *backend.Error
	if errors.As(err, &be) && be.RetryAfter > 0 {
		return be.RetryAfter
	}
	return 0
}

// textHint scans the error message for "try again in <n>s", rounding up to
// whole seconds. Anything it cannot read yields 0.
func textHint(err error) time.Duration {
	if err == nil {
		return 0
	}
	m := textHintPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	secs, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || secs <= 0 || math.IsInf(secs, 0) {
		return 0
	}
	return time.Duration(math.Ceil(secs)) * time.Second
}

// RetryContext describes how a call went: how many attempts it took and how
// long it slept between them.
type RetryContext struct {
	Attempts    int
	MaxAttempts int
	BaseDelay   time.Duration
	Sleeps      []time.Duration
}

// Failure is the terminal error of a call that ran out of attempts.
type Failure struct {
	Message    string
	RetryAfter time.Duration // Last server hint, zero if none
	Err        error
}

// CallResult is the tagged outcome of a retry-wrapped call. Exactly one of
// (Text, Usage) or Failure is meaningful.
type CallResult struct {
	Text    string
	Usage   task.Usage
	Failure *Failure
	Retry   RetryContext
}

// OK reports whether the call succeeded.
func (r CallResult) OK() bool {
	return r.Failure == nil
}

// hintBackOff is a backoff.BackOff whose next interval depends on the error
// of the attempt that just failed.
type hintBackOff struct {
	policy  RetryPolicy
	lastErr error
}

func (b *hintBackOff) NextBackOff() time.Duration {
	return b.policy.Delay(b.lastErr)
}

func (b *hintBackOff) Reset() {
	b.lastErr = nil
}

// retryHooks are the side effects of a retry. Every field is optional.
// onRetry announces a pending retry before its sleep; onRetried and the
// telemetry counters fire only once the retried attempt actually starts.
type retryHooks struct {
	telemetry *telemetry.TurnTelemetry
	timer     backoff.Timer
	onRetry   func(attempt int, delay time.Duration, err error)
	onRetried func(delay time.Duration)
}

// generateWithRetry runs req against b up to policy.MaxAttempts times and
// never returns an error: exhaustion is reported through CallResult.Failure.
// ctx is handed to the transport and to the backoff sleep only.
func generateWithRetry(ctx context.Context, b backend.Backend, req backend.Request, cb *gobreaker.CircuitBreaker, policy RetryPolicy, hooks retryHooks) CallResult {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	rc := RetryContext{MaxAttempts: policy.MaxAttempts, BaseDelay: policy.BaseDelay}
	hb := &hintBackOff{policy: policy}
	var resp backend.Response
	var pending time.Duration

	operation := func() error {
		rc.Attempts++
		if rc.Attempts > 1 {
			rc.Sleeps = append(rc.Sleeps, pending)
			if hooks.telemetry != nil {
				hooks.telemetry.RecordRetry(pending, len(rc.Sleeps) == 1)
			}
			if hooks.onRetried != nil {
				hooks.onRetried(pending)
			}
		}

		var err error
		if cb != nil {
			var result interface{}
			result, err = cb.Execute(func() (interface{}, error) {
				return b.Generate(ctx, req)
			})
			if err == nil {
				resp = result.(backend.Response)
			}
		} else {
			resp, err = b.Generate(ctx, req)
		}
		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = &backend.Error{Message: "empty response", Err: backend.ErrEmptyResponse}
		}

		hb.lastErr = err
		return err
	}

	notify := func(err error, delay time.Duration) {
		pending = delay
		if hooks.onRetry != nil {
			hooks.onRetry(rc.Attempts, delay, err)
		}
	}

	policyWithLimit := backoff.WithContext(backoff.WithMaxRetries(hb, uint64(policy.MaxAttempts-1)), ctx)

	if err := backoff.RetryNotifyWithTimer(operation, policyWithLimit, notify, hooks.timer); err != nil {
		return CallResult{
			Failure: &Failure{Message: err.Error(), RetryAfter: serverHint(err), Err: err},
			Retry:   rc,
		}
	}

	usage := telemetry.ExtractUsage(resp.Usage)
	if hooks.telemetry != nil {
		hooks.telemetry.RecordUsage(usage)
	}
	return CallResult{Text: resp.Text, Usage: usage, Retry: rc}
}

// CircuitBreakerRegistry manages per-model circuit breakers.
type CircuitBreakerRegistry struct {
	mu        sync.Mutex
	threshold uint32
	cooldown  time.Duration
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a registry whose breakers open after
// threshold consecutive failures and probe again after cooldown.
// A zero threshold disables breaking: Get returns nil.
func NewCircuitBreakerRegistry(threshold int, cooldown time.Duration) *CircuitBreakerRegistry {
	if threshold < 0 {
		threshold = 0
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreakerRegistry{
		threshold: uint32(threshold),
		cooldown:  cooldown,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given model, creating it on first use.
func (r *CircuitBreakerRegistry) Get(model string) *gobreaker.CircuitBreaker {
	if r == nil || r.threshold == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[model]; ok {
		return cb
	}

	threshold := r.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        model,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not a model failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[model] = cb
	return cb
}
