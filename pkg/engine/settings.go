package engine

import (
	"time"

	"stageflow/pkg/config"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// Settings are the engine's tunables, derived from config.Config.
type Settings struct {
	MaxAttempts    int
	MaxTransitions int // Zero sizes the budget from the plan, negative disables it
	MaxReplanDepth int // Replan generations allowed below a planned item
	StateTimeout   time.Duration
	StateTimeouts  map[proto.State]time.Duration
	FallbackMode   proto.Mode // Empty aborts the run when classification fails
	Parallel       bool
	MaxWorkers     int

	// DefaultServers maps item categories to servers when the selector fails.
	DefaultServers map[string][]string

	FullSuccessRatio float64
	PartialRatio     float64
	Templates        map[workflow.Tier]string
}

// DefaultReplanDepth applies when Settings.MaxReplanDepth is unset.
const DefaultReplanDepth = 3

// DefaultCategoryKey is the DefaultServers entry used for unmapped categories.
const DefaultCategoryKey = "default"

// DefaultSettings returns the settings used when no config is loaded.
func DefaultSettings() Settings {
	return SettingsFrom(config.Default())
}

// SettingsFrom converts a loaded configuration.
func SettingsFrom(cfg *config.Config) Settings {
	s := Settings{
		MaxAttempts:      cfg.Engine.MaxAttempts,
		MaxTransitions:   cfg.Engine.MaxTransitions,
		MaxReplanDepth:   cfg.Engine.MaxReplanDepth,
		StateTimeout:     cfg.Engine.StateTimeout.Std(),
		StateTimeouts:    make(map[proto.State]time.Duration, len(cfg.Engine.StateTimeouts)),
		FallbackMode:     proto.Mode(cfg.Engine.FallbackMode),
		Parallel:         cfg.Engine.Parallel.Enabled,
		MaxWorkers:       cfg.Engine.Parallel.MaxWorkers,
		DefaultServers:   cfg.Selection.DefaultServers,
		FullSuccessRatio: cfg.Summary.FullSuccessRatio,
		PartialRatio:     cfg.Summary.PartialRatio,
		Templates:        make(map[workflow.Tier]string, len(cfg.Summary.Templates)),
	}
	for name, d := range cfg.Engine.StateTimeouts {
		s.StateTimeouts[proto.State(name)] = d.Std()
	}
	for tier, tmpl := range cfg.Summary.Templates {
		s.Templates[workflow.Tier(tier)] = tmpl
	}
	return s
}

// TimeoutFor returns the handler timeout for state.
func (s Settings) TimeoutFor(state proto.State) time.Duration {
	if d, ok := s.StateTimeouts[state]; ok && d > 0 {
		return d
	}
	if s.StateTimeout > 0 {
		return s.StateTimeout
	}
	return DefaultStateTimeout
}

// ServersFor returns the default servers for an item category.
func (s Settings) ServersFor(category string) []string {
	if servers, ok := s.DefaultServers[category]; ok && len(servers) > 0 {
		return append([]string(nil), servers...)
	}
	return append([]string(nil), s.DefaultServers[DefaultCategoryKey]...)
}

func (s Settings) maxAttempts() int {
	if s.MaxAttempts < 1 {
		return 1
	}
	return s.MaxAttempts
}

func (s Settings) maxReplanDepth() int {
	if s.MaxReplanDepth < 1 {
		return DefaultReplanDepth
	}
	return s.MaxReplanDepth
}

// Validate rejects settings the engine cannot route with. Settings loaded
// through config are already checked; this covers ones built in code.
func (s Settings) Validate() error {
	if s.FallbackMode != "" {
		if _, ok := s.FallbackMode.State(); !ok {
			return workflow.NewError(workflow.CodeUnknownMode, "unknown fallback mode %q", s.FallbackMode).
				WithMetadata("fallbackMode", s.FallbackMode)
		}
	}
	return nil
}
