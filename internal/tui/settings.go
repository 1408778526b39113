package tui

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/aristath/multiworker/internal/config"
)

// Save targets offered by the settings form.
const (
	SaveGlobal  = "global"
	SaveProject = "project"
)

// SettingsForm edits the runtime settings of a session. Field values are
// kept as strings and bools for Huh and copied back by Apply.
type SettingsForm struct {
	SaveTarget string
	Model      string
	Reasoning  string
	Verbosity  string
	Workers    string
	LogTraces  bool

	choices []string
}

// NewSettingsForm initializes the form values from cfg.
func NewSettingsForm(cfg *config.Config) *SettingsForm {
	choices := append([]string(nil), cfg.ModelChoices...)
	if !slices.Contains(choices, cfg.Model) {
		choices = append([]string{cfg.Model}, choices...)
	}

	return &SettingsForm{
		SaveTarget: SaveGlobal,
		Model:      cfg.Model,
		Reasoning:  cfg.Reasoning,
		Verbosity:  cfg.Verbosity,
		Workers:    strconv.Itoa(cfg.Workers),
		LogTraces:  cfg.LogTraces,
		choices:    choices,
	}
}

// Form builds the Huh form bound to s.
func (s *SettingsForm) Form() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("model").
				Title("Model").
				Options(huh.NewOptions(s.choices...)...).
				Value(&s.Model),

			huh.NewSelect[string]().
				Key("reasoning").
				Title("Reasoning effort").
				Options(huh.NewOptions("minimal", "low", "medium", "high")...).
				Value(&s.Reasoning),

			huh.NewSelect[string]().
				Key("verbosity").
				Title("Text verbosity").
				Options(huh.NewOptions("low", "medium", "high")...).
				Value(&s.Verbosity),

			huh.NewInput().
				Key("workers").
				Title("Parallel workers").
				Placeholder(strconv.Itoa(config.DefaultWorkers)).
				Validate(validateWorkers).
				Value(&s.Workers),

			huh.NewConfirm().
				Key("logTraces").
				Title("Write a trace file after each turn?").
				Value(&s.LogTraces),
		).Title("Session Settings"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.multiworker/config.json)", SaveGlobal),
					huh.NewOption("Project (.multiworker/config.json)", SaveProject),
				).
				Value(&s.SaveTarget),
		).Title("Save Target"),
	)
}

func validateWorkers(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.New("workers must be a number")
	}
	if n < 1 || n > config.MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", config.MaxWorkers)
	}
	return nil
}

// Apply copies the form values into cfg. cfg is left untouched if the
// result would not validate.
func (s *SettingsForm) Apply(cfg *config.Config) error {
	if err := validateWorkers(s.Workers); err != nil {
		return err
	}
	n, _ := strconv.Atoi(s.Workers)

	next := *cfg
	next.Model = s.Model
	next.Reasoning = s.Reasoning
	next.Verbosity = s.Verbosity
	if n != cfg.Workers {
		// An explicit worker count replaces configured roles
		next.Roles = nil
	}
	next.Workers = n
	next.LogTraces = s.LogTraces
	if err := next.Validate(); err != nil {
		return err
	}

	*cfg = next
	return nil
}

// TargetPath resolves the chosen save target.
func (s *SettingsForm) TargetPath(globalPath, projectPath string) string {
	if s.SaveTarget == SaveProject {
		return projectPath
	}
	return globalPath
}

// RunSettings shows the form on the terminal, applies the result to cfg and
// saves it. It returns the path written.
func RunSettings(cfg *config.Config, globalPath, projectPath string) (string, error) {
	s := NewSettingsForm(cfg)
	if err := s.Form().Run(); err != nil {
		return "", fmt.Errorf("settings form: %w", err)
	}
	if err := s.Apply(cfg); err != nil {
		return "", fmt.Errorf("applying settings: %w", err)
	}

	path := s.TargetPath(globalPath, projectPath)
	if err := config.Save(cfg, path); err != nil {
		return "", err
	}
	return path, nil
}
