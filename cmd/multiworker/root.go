package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/multiworker/internal/config"
)

var version = "dev"

// options holds the command-line flags.
type options struct {
	configPath  string
	model       string
	workers     int
	reasoning   string
	session     string
	metricsAddr string
	noDashboard bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "multiworker",
		Short: "Multi-worker orchestrator for chat turns",
		Long: `multiworker answers each message by running several worker calls in
parallel, then merging their drafts into one answer with a synthesis call.

Type a message to run a turn. Commands: /list, /save <name>, /load <name>,
/settings, /stats, /exit.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, paths, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg, paths, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	bindFlags(cmd, opts)
	return cmd
}

func bindFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Config file used in place of .multiworker/config.json")
	f.StringVar(&opts.model, "model", "", "Model for every call of a turn")
	f.IntVar(&opts.workers, "workers", 0, fmt.Sprintf("Number of parallel workers (1-%d)", config.MaxWorkers))
	f.StringVar(&opts.reasoning, "reasoning", "", "Reasoning effort: minimal, low, medium or high")
	f.StringVar(&opts.session, "session", "", "Session to resume and autosave after every turn")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&opts.noDashboard, "no-dashboard", false, "Print plain status lines instead of the live dashboard")
}

// configPaths are the files the settings form can save to.
type configPaths struct {
	global  string
	project string
}

// loadConfig merges the config files and applies the flags that were set.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, configPaths, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, configPaths{}, err
	}
	paths := configPaths{global: globalPath, project: config.ProjectPath()}
	if opts.configPath != "" {
		paths.project = opts.configPath
	}

	cfg, err := config.Load(paths.global, paths.project)
	if err != nil {
		return nil, configPaths{}, err
	}

	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model = opts.model
	}
	if f.Changed("workers") {
		cfg.Workers = opts.workers
		cfg.Roles = nil
	}
	if f.Changed("reasoning") {
		cfg.Reasoning = opts.reasoning
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, configPaths{}, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, paths, nil
}
