package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/term"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/config"
	"github.com/aristath/multiworker/internal/events"
	"github.com/aristath/multiworker/internal/metrics"
	"github.com/aristath/multiworker/internal/orchestrator"
	"github.com/aristath/multiworker/internal/persistence"
	"github.com/aristath/multiworker/internal/telemetry"
	"github.com/aristath/multiworker/internal/tui"
)

// breakerCooldown is how long a tripped model stays open before a probe call.
const breakerCooldown = 30 * time.Second

// app is one interactive session: configuration, collaborators and the
// conversation so far.
type app struct {
	cfg       *config.Config
	paths     configPaths
	backend   backend.Backend
	store     persistence.Store // nil when the database could not be opened
	metrics   *metrics.Metrics
	breakers  *orchestrator.CircuitBreakerRegistry
	bus       *events.EventBus
	out       io.Writer
	terminal  bool // out is a terminal, so forms can be shown
	dashboard bool
	newTimer  func() backoff.Timer

	history []backend.Message
	totals  telemetry.RunningTotals
	session string // Slugged session name, empty until saved or loaded
	last    *orchestrator.TurnResult
}

// runInteractive wires the collaborators and runs the read-eval loop until
// /exit, end of input or cancellation of ctx.
func runInteractive(ctx context.Context, cfg *config.Config, paths configPaths, opts *options, in io.Reader, out io.Writer) error {
	pm := backend.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Printf("Error killing subprocesses: %v", err)
		}
	}()

	b, err := backend.New(backend.Config{
		Type:      cfg.Provider.Type,
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    os.Getenv(cfg.Provider.APIKeyEnv),
		Command:   cfg.Provider.Command,
		Timeout:   cfg.Timeout(),
		UserAgent: "multiworker/" + version,
	}, pm)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	defer b.Close()
	if cfg.Provider.Type == "openai" && os.Getenv(cfg.Provider.APIKeyEnv) == "" {
		log.Printf("WARNING: %s is not set; requests will be unauthenticated", cfg.Provider.APIKeyEnv)
	}

	a := &app{
		cfg:      cfg,
		paths:    paths,
		backend:  b,
		breakers: orchestrator.NewCircuitBreakerRegistry(cfg.Retry.BreakerThreshold, breakerCooldown),
		bus:      events.NewEventBus(),
		out:      out,
		terminal: isTerminal(out),
	}
	defer a.bus.Close()
	a.dashboard = a.terminal && !opts.noDashboard

	store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		log.Printf("WARNING: sessions unavailable: %v", err)
	} else {
		a.store = store
		defer store.Close()
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.MustNewMetrics(reg)
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				log.Printf("ERROR: metrics server: %v", err)
			}
		}()
	}

	if a.dashboard {
		// The dashboard owns the screen; keep log lines out of it.
		logPath := filepath.Join(filepath.Dir(cfg.DBPath), "multiworker.log")
		if f, err := tea.LogToFile(logPath, "multiworker"); err == nil {
			defer f.Close()
		}
	}

	if opts.session != "" {
		a.resume(ctx, opts.session)
	}

	return a.repl(ctx, in)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

const banner = "Multi-Worker Orchestrator. Commands: /list, /save <name>, /load <name>, /settings, /stats, /exit"

// repl reads one line per prompt. Input is only read while the prompt is
// shown so that forms and the dashboard get the terminal to themselves.
func (a *app) repl(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	fmt.Fprintln(a.out, banner)

	for {
		fmt.Fprint(a.out, "\nYou: ")

		lines := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
		}()

		var r readResult
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out)
			return nil
		case r = <-lines:
		}

		if r.err != nil && r.line == "" {
			if errors.Is(r.err, io.EOF) {
				fmt.Fprintln(a.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", r.err)
		}

		if a.handle(ctx, strings.TrimSpace(r.line)) {
			fmt.Fprintln(a.out, "Bye.")
			return nil
		}
	}
}

type readResult struct {
	line string
	err  error
}

// handle runs one input line and reports whether the loop should stop.
func (a *app) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		a.turn(ctx, line)
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit", "/quit":
		return true
	case "/list":
		a.list(ctx)
	case "/save":
		if arg == "" {
			fmt.Fprintln(a.out, "Usage: /save <name>")
			return false
		}
		a.save(ctx, arg)
	case "/load":
		if arg == "" {
			fmt.Fprintln(a.out, "Usage: /load <name>")
			return false
		}
		a.load(ctx, arg)
	case "/settings":
		a.settings()
	case "/stats":
		a.stats()
	default:
		fmt.Fprintf(a.out, "Unknown command %s\n", name)
	}
	return false
}

func (a *app) list(ctx context.Context) {
	if a.store == nil {
		fmt.Fprintln(a.out, "Sessions are unavailable.")
		return
	}
	infos, err := a.store.ListSessions(ctx)
	if err != nil {
		log.Printf("ERROR: listing sessions: %v", err)
		return
	}
	if len(infos) == 0 {
		fmt.Fprintln(a.out, "No saved sessions.")
		return
	}

	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	fmt.Fprintln(a.out, "Saved sessions: "+strings.Join(names, ", "))
}

func (a *app) save(ctx context.Context, name string) {
	if a.store == nil {
		fmt.Fprintln(a.out, "Sessions are unavailable.")
		return
	}
	key, err := a.store.SaveSession(ctx, a.snapshotSession(name))
	if err != nil {
		log.Printf("ERROR: saving session: %v", err)
		fmt.Fprintln(a.out, "Save failed.")
		return
	}
	a.session = key
	fmt.Fprintf(a.out, "Saved -> %s (%d messages)\n", key, len(a.history))
}

func (a *app) load(ctx context.Context, name string) {
	if a.store == nil {
		fmt.Fprintln(a.out, "Sessions are unavailable.")
		return
	}
	sess, err := a.store.LoadSession(ctx, name)
	if errors.Is(err, persistence.ErrSessionNotFound) {
		fmt.Fprintln(a.out, "Not found.")
		return
	}
	if err != nil {
		log.Printf("ERROR: loading session: %v", err)
		return
	}

	a.history = sess.History
	a.totals = sess.Totals
	a.session = sess.Name
	fmt.Fprintf(a.out, "Loaded session '%s' with %d messages.\n", sess.Name, len(a.history))
}

// resume loads the named session, or starts it empty if it does not exist yet.
func (a *app) resume(ctx context.Context, name string) {
	if a.store == nil {
		return
	}
	sess, err := a.store.LoadSession(ctx, name)
	switch {
	case errors.Is(err, persistence.ErrSessionNotFound):
		a.session = persistence.Slug(name)
		fmt.Fprintf(a.out, "New session '%s'.\n", a.session)
	case err != nil:
		log.Printf("ERROR: loading session: %v", err)
	default:
		a.history = sess.History
		a.totals = sess.Totals
		a.session = sess.Name
		fmt.Fprintf(a.out, "Resumed session '%s' with %d messages.\n", sess.Name, len(a.history))
	}
}

func (a *app) snapshotSession(name string) *persistence.Session {
	return &persistence.Session{
		Name:    name,
		Model:   a.cfg.Model,
		History: a.history,
		Totals:  a.totals,
	}
}

func (a *app) settings() {
	if !a.terminal {
		fmt.Fprintln(a.out, "Settings need an interactive terminal.")
		return
	}
	path, err := tui.RunSettings(a.cfg, a.paths.global, a.paths.project)
	if err != nil {
		fmt.Fprintf(a.out, "Settings not changed: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "Settings saved to %s (model %s, reasoning %s, %d workers).\n",
		path, a.cfg.Model, a.cfg.Reasoning, len(a.cfg.RoleList()))
}

func (a *app) stats() {
	t := a.totals
	fmt.Fprintf(a.out, "Session totals: %d turns, tokens in=%d out=%d total=%d\n",
		t.Turns, t.InputTokens, t.OutputTokens, t.TotalTokens)
	if a.last == nil {
		return
	}

	s := a.last.Snapshot
	fmt.Fprintf(a.out, "Last turn: workers %d/%d ok, %d failed | tokens total=%d | retries=%d (%d calls, max wait %s) | elapsed avg %s max %s\n",
		s.Workers.Succeeded, s.Workers.Total, s.Workers.Failed, s.Tokens.TotalTokens,
		s.Retries, s.RetriedCalls, s.MaxDelay,
		telemetry.FormatElapsed(s.AvgElapsed), telemetry.FormatElapsed(s.MaxElapsed))
}
