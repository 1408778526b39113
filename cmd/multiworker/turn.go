package main

import (
	"context"
	"fmt"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/events"
	"github.com/aristath/multiworker/internal/orchestrator"
	"github.com/aristath/multiworker/internal/persistence"
	"github.com/aristath/multiworker/internal/trace"
	"github.com/aristath/multiworker/internal/tui"
)

// turn runs one message through the workers and the synthesizer and
// updates the conversation. A turn without an answer leaves the history as
// it was so the message can be sent again.
func (a *app) turn(ctx context.Context, text string) {
	a.history = append(a.history, backend.Message{Role: "user", Content: text})
	req := orchestrator.TurnRequest{
		History:  a.history,
		Roles:    a.roles(),
		Baseline: a.totals,
	}

	var res orchestrator.TurnResult
	if a.dashboard {
		res = a.runWithDashboard(ctx, req)
	} else {
		res = a.newRunner(tui.NewPlainRenderer(a.out)).RunTurn(ctx, req)
	}

	a.totals = res.Totals
	a.last = &res

	if res.Answer == "" {
		a.history = a.history[:len(a.history)-1]
		fmt.Fprintf(a.out, "[ERROR] no answer: %s\n", res.Synth.Error)
	} else {
		a.history = append(a.history, backend.Message{Role: "assistant", Content: res.Answer})
		fmt.Fprintln(a.out, res.Answer)
	}

	a.writeTrace(res, req.History)
	a.autosave(ctx, res)
}

// runWithDashboard shows the live dashboard while the turn runs. Ctrl+C in
// the dashboard cancels the turn's context.
func (a *app) runWithDashboard(ctx context.Context, req orchestrator.TurnRequest) orchestrator.TurnResult {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := a.bus.SubscribeAll(events.DefaultBufferSize)
	defer func() {
		if n := a.bus.Unsubscribe(sub); n > 0 {
			log.Printf("WARNING: dashboard missed %d event(s)", n)
		}
	}()

	runner := a.newRunner(events.NewDashboardPublisher(a.bus))
	p := tea.NewProgram(tui.New(sub, "", cancel))

	done := make(chan orchestrator.TurnResult, 1)
	go func() {
		res := runner.RunTurn(turnCtx, req)
		done <- res
		// The bus drops events for slow subscribers; this one must arrive.
		p.Send(events.TurnFinishedEvent{Answer: res.Answer, Totals: res.Totals, Timestamp: res.Finished})
	}()

	if _, err := p.Run(); err != nil {
		log.Printf("ERROR: dashboard: %v", err)
	}
	return <-done
}

func (a *app) newRunner(r orchestrator.Renderer) *orchestrator.Runner {
	cfg := a.cfg
	return orchestrator.NewRunner(orchestrator.RunnerConfig{
		Backend:           a.backend,
		Model:             cfg.Model,
		Reasoning:         cfg.Reasoning,
		Verbosity:         cfg.Verbosity,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		WorkerInstruction: cfg.WorkerInstruction,
		SynthInstruction:  cfg.SynthInstruction,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			BaseDelay:    cfg.Retry.BaseDelay(),
			DelayFloor:   cfg.Retry.MinDelay(),
			DelayCeiling: cfg.Retry.MaxDelay(),
		},
		Breakers: a.breakers,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Monitor:  orchestrator.NewMonitor(r, cfg.PollInterval()),
		NewTimer: a.newTimer,
	})
}

func (a *app) roles() []orchestrator.Role {
	list := a.cfg.RoleList()
	roles := make([]orchestrator.Role, len(list))
	for i, r := range list {
		roles[i] = orchestrator.Role{Name: r.Name, Instruction: r.Instruction}
	}
	return roles
}

// writeTrace stores the turn trace when enabled. Failures are logged only.
func (a *app) writeTrace(res orchestrator.TurnResult, history []backend.Message) {
	if !a.cfg.LogTraces {
		return
	}
	path, err := trace.Write(a.cfg.TraceDir, a.cfg.TraceFormat, trace.Build(res, history))
	if err != nil {
		log.Printf("WARNING: writing trace: %v", err)
		return
	}
	fmt.Fprintf(a.out, "Trace written to %s\n", path)
}

// autosave records the turn and saves the conversation of an active
// session. Failures are logged only.
func (a *app) autosave(ctx context.Context, res orchestrator.TurnResult) {
	if a.store == nil || a.session == "" {
		return
	}

	s := res.Snapshot
	err := a.store.RecordTurn(ctx, persistence.TurnRecord{
		Session:          a.session,
		Answer:           res.Answer,
		Usage:            res.Usage,
		Retries:          s.Retries,
		WorkersSucceeded: s.Workers.Succeeded,
		WorkersFailed:    s.Workers.Failed,
		SynthOK:          res.Answer != "",
		Started:          res.Started,
		Finished:         res.Finished,
	})
	if err != nil {
		log.Printf("WARNING: recording turn: %v", err)
	}

	if _, err := a.store.SaveSession(ctx, a.snapshotSession(a.session)); err != nil {
		log.Printf("WARNING: saving session %s: %v", a.session, err)
	}
}
