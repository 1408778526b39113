package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/events"
	"github.com/aristath/multiworker/internal/metrics"
	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// SynthesizerName is the task name of the synthesis stage.
const SynthesizerName = "Synthesizer"

// Role is one worker: a display name and the instruction it runs with.
type Role struct {
	Name        string
	Instruction string
}

// DefaultRoles returns n workers named Worker-1..Worker-n sharing one instruction.
func DefaultRoles(n int, instruction string) []Role {
	roles := make([]Role, n)
	for i := range roles {
		roles[i] = Role{Name: fmt.Sprintf("Worker-%d", i+1), Instruction: instruction}
	}
	return roles
}

// RunnerConfig configures the turn runner.
type RunnerConfig struct {
	Backend           backend.Backend
	Model             string
	Reasoning         string
	Verbosity         string
	MaxOutputTokens   int
	WorkerInstruction string // Used when a request carries no roles
	SynthInstruction  string
	Retry             RetryPolicy
	Breakers          *CircuitBreakerRegistry // Optional; nil disables circuit breaking
	Bus               *events.EventBus        // Optional lifecycle events
	Metrics           *metrics.Metrics        // Optional
	Monitor           *Monitor                // Optional live dashboard
	Clock             func() time.Time        // Defaults to time.Now
	NewTimer          func() backoff.Timer    // Backoff sleep timer, one per call; nil uses a real timer
}

// TurnRequest is the input of one turn.
type TurnRequest struct {
	History  []backend.Message
	Roles    []Role
	Baseline telemetry.RunningTotals
}

// TurnResult is everything a turn produced. Answer is empty iff synthesis failed.
type TurnResult struct {
	Answer        string
	Workers       []task.View // In role order
	WorkerRetries []RetryContext
	Synth         task.View
	SynthRetry    RetryContext
	SynthInput    []backend.Message
	Usage         task.Usage // This turn only
	Totals        telemetry.RunningTotals
	Snapshot      telemetry.Snapshot
	Started       time.Time
	Finished      time.Time
}

// Runner executes turns: fan-out to workers, join, then synthesis.
type Runner struct {
	config RunnerConfig
}

// NewRunner creates a new turn runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Runner{config: cfg}
}

// RunTurn runs every worker concurrently, waits until all of them are
// terminal, then runs one synthesis call over the surviving drafts.
//
// It always returns normally. Worker and synthesis failures are reported
// through the task views; a failed synthesis leaves Answer empty. Nothing here
// cancels a task or imposes a timeout, so a worker that never returns stalls
// the turn. ctx reaches the transport and the backoff sleeps only.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) TurnResult {
	roles := req.Roles
	if len(roles) == 0 {
		roles = DefaultRoles(1, r.config.WorkerInstruction)
	}

	tel := telemetry.NewTurnTelemetry()
	started := r.config.Clock()

	workers := make([]*task.State, len(roles))
	for i, role := range roles {
		workers[i] = task.New(role.Name, r.config.Model, r.config.Clock())
	}

	var synth atomic.Pointer[task.State]
	var monitorDone chan struct{}
	if r.config.Monitor != nil {
		monitorDone = make(chan struct{})
		go func() {
			defer close(monitorDone)
			r.config.Monitor.Run(func() telemetry.Dashboard {
				return r.dashboard(workers, synth.Load(), tel)
			})
		}()
	}

	// Fan-out. Workers report failure through their own state and always
	// return nil, so one failure never cancels a sibling.
	workerRetries := make([]RetryContext, len(roles))
	var g errgroup.Group
	for i, role := range roles {
		g.Go(func() error {
			res := r.execute(ctx, metrics.StageWorker, workers[i], backend.Request{
				Model:           r.config.Model,
				Instructions:    role.Instruction,
				Input:           req.History,
				Reasoning:       r.config.Reasoning,
				Verbosity:       r.config.Verbosity,
				MaxOutputTokens: r.config.MaxOutputTokens,
			}, tel)
			workerRetries[i] = res.Retry
			return nil
		})
	}
	_ = g.Wait()

	// Join barrier passed: every worker is terminal.
	views := viewsOf(workers)

	synthInput := buildSynthesisInput(req.History, buildDraftArtifact(views))
	synthState := task.New(SynthesizerName, r.config.Model, r.config.Clock())
	synth.Store(synthState)

	res := r.execute(ctx, metrics.StageSynthesis, synthState, backend.Request{
		Model:           r.config.Model,
		Instructions:    r.config.SynthInstruction,
		Input:           synthInput,
		Reasoning:       r.config.Reasoning,
		Verbosity:       r.config.Verbosity,
		MaxOutputTokens: r.config.MaxOutputTokens,
	}, tel)

	answer := ""
	if res.OK() {
		answer = res.Text
	}

	if monitorDone != nil {
		<-monitorDone
	}

	finished := r.config.Clock()
	usage := tel.Usage()
	result := TurnResult{
		Answer:        answer,
		Workers:       views,
		WorkerRetries: workerRetries,
		Synth:         synthState.View(),
		SynthRetry:    res.Retry,
		SynthInput:    synthInput,
		Usage:         usage,
		Totals:        req.Baseline.Merge(usage),
		Snapshot:      telemetry.Summarize(views, tel, finished),
		Started:       started,
		Finished:      finished,
	}

	r.config.Metrics.IncTurns()
	r.publish(events.TopicTurn, events.TurnFinishedEvent{
		Answer:    answer,
		Totals:    result.Totals,
		Timestamp: finished,
	})

	return result
}

// execute runs one retry-wrapped call on behalf of st and records its outcome.
// st is written here and nowhere else.
func (r *Runner) execute(ctx context.Context, stage string, st *task.State, req backend.Request, tel *telemetry.TurnTelemetry) (res CallResult) {
	name := st.Name()
	began := r.config.Clock()

	r.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        name,
		Stage:     stage,
		Model:     req.Model,
		Timestamp: began,
	})

	defer func() {
		// A panicking backend still leaves a terminal state behind.
		if p := recover(); p != nil {
			res = CallResult{Failure: &Failure{Message: fmt.Sprintf("panic: %v", p)}, Retry: res.Retry}
			r.finish(stage, st, res, began)
		}
	}()

	var timer backoff.Timer
	if r.config.NewTimer != nil {
		timer = r.config.NewTimer()
	}

	res = generateWithRetry(ctx, r.config.Backend, req, r.config.Breakers.Get(req.Model), r.config.Retry, retryHooks{
		telemetry: tel,
		timer:     timer,
		onRetry: func(attempt int, delay time.Duration, err error) {
			log.Printf("WARNING: %s attempt %d/%d failed, retrying in %s: %v", name, attempt, r.config.Retry.MaxAttempts, delay, err)
			r.publish(events.TopicTask, events.TaskRetryingEvent{
				ID:        name,
				Attempt:   attempt,
				Delay:     delay,
				Reason:    err.Error(),
				Timestamp: r.config.Clock(),
			})
		},
		onRetried: func(delay time.Duration) {
			r.config.Metrics.ObserveRetry(stage, delay)
		},
	})

	r.finish(stage, st, res, began)
	return res
}

// finish moves st to its terminal outcome and reports it.
func (r *Runner) finish(stage string, st *task.State, res CallResult, began time.Time) {
	name := st.Name()
	now := r.config.Clock()

	if res.OK() {
		if err := st.Succeed(res.Text, res.Usage, now); err != nil {
			log.Printf("ERROR: failed to record success for %q: %v", name, err)
			return
		}
		r.config.Metrics.AddTokens(res.Usage)
		r.config.Metrics.ObserveCall(stage, true, now.Sub(began))
		r.publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        name,
			Usage:     res.Usage,
			Duration:  now.Sub(began),
			Timestamp: now,
		})
		return
	}

	if err := st.Fail(res.Failure.Message, now); err != nil {
		log.Printf("ERROR: failed to record failure for %q: %v", name, err)
		return
	}
	log.Printf("WARNING: %s failed after %d attempt(s): %s", name, res.Retry.Attempts, res.Failure.Message)
	r.config.Metrics.ObserveCall(stage, false, now.Sub(began))
	r.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        name,
		Err:       res.Failure.Message,
		Attempts:  res.Retry.Attempts,
		Duration:  now.Sub(began),
		Timestamp: now,
	})
}

// dashboard samples every task without blocking any of them.
func (r *Runner) dashboard(workers []*task.State, synth *task.State, tel *telemetry.TurnTelemetry) telemetry.Dashboard {
	now := r.config.Clock()
	views := viewsOf(workers)

	d := telemetry.Dashboard{
		Model:     r.config.Model,
		Reasoning: r.config.Reasoning,
		Workers:   views,
		Snapshot:  telemetry.Summarize(views, tel, now),
		TakenAt:   now,
	}
	if synth != nil {
		v := synth.View()
		d.Synth = &v
	}
	return d
}

func (r *Runner) publish(topic string, ev events.Event) {
	if r.config.Bus != nil {
		r.config.Bus.Publish(topic, ev)
	}
}

func viewsOf(states []*task.State) []task.View {
	views := make([]task.View, len(states))
	for i, s := range states {
		views[i] = s.View()
	}
	return views
}
