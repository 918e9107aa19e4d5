// Package config provides configuration loading, validation, and defaults for stageflow.
// It handles YAML config files, environment variable substitution, and
// STAGEFLOW_* environment overrides.
package config

import (
	"time"

	"stageflow/pkg/capability/middleware/resilience"
	"stageflow/pkg/capability/middleware/resilience/circuit"
	"stageflow/pkg/capability/middleware/resilience/ratelimit"
	"stageflow/pkg/capability/middleware/resilience/retry"
	"stageflow/pkg/proto"
)

// LLM provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
	ProviderHeuristic = "heuristic" // Offline keyword/template providers
)

// Config is the root configuration.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Selection   SelectionConfig   `yaml:"selection"`
	Summary     SummaryConfig     `yaml:"summary"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	LLM         LLMConfig         `yaml:"llm"`
	MCP         MCPConfig         `yaml:"mcp"`
	Notify      NotifyConfig      `yaml:"notify"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EngineConfig controls the state machine and item loop.
type EngineConfig struct {
	StateTimeout   Duration            `yaml:"state_timeout"`
	StateTimeouts  map[string]Duration `yaml:"state_timeouts"` // Per-state overrides keyed by state name
	MaxAttempts    int                 `yaml:"max_attempts" validate:"min=1,max=10"`
	MaxTransitions int                 `yaml:"max_transitions" validate:"omitempty,min=10"` // Zero sizes the budget from the plan
	MaxReplanDepth int                 `yaml:"max_replan_depth" validate:"min=1,max=10"`
	FallbackMode   string              `yaml:"fallback_mode" validate:"omitempty,oneof=chat dev task"`
	Parallel       ParallelConfig      `yaml:"parallel"`
}

// ParallelConfig enables concurrent item execution.
type ParallelConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxWorkers int  `yaml:"max_workers" validate:"min=1,max=64"`
}

// SelectionConfig holds the deterministic server mapping used when the
// selector fails. Keys are item categories; "default" is the fallback key.
type SelectionConfig struct {
	DefaultServers map[string][]string `yaml:"default_servers"`
}

// SummaryConfig holds outcome tier thresholds and fallback templates.
type SummaryConfig struct {
	FullSuccessRatio float64           `yaml:"full_success_ratio" validate:"gte=0,lte=1"`
	PartialRatio     float64           `yaml:"partial_ratio" validate:"gte=0,lte=1,ltefield=FullSuccessRatio"`
	Templates        map[string]string `yaml:"templates"` // Keyed by tier
}

// ResilienceConfig configures the decorator applied to every provider.
type ResilienceConfig struct {
	ProviderTimeout Duration        `yaml:"provider_timeout"`
	Retry           RetryConfig     `yaml:"retry"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Circuit         CircuitConfig   `yaml:"circuit"`
}

type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts" validate:"min=1,max=10"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor" validate:"gte=1"`
	Jitter        bool     `yaml:"jitter"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	MaxConcurrent     int     `yaml:"max_concurrent" validate:"min=1"`
	MaxQueue          int     `yaml:"max_queue" validate:"gte=0"`
}

type CircuitConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"min=1"`
	SuccessThreshold int      `yaml:"success_threshold" validate:"min=1"`
	Timeout          Duration `yaml:"timeout"`
}

// LLMConfig selects the model backend for LLM-driven providers.
type LLMConfig struct {
	Provider          string            `yaml:"provider" validate:"oneof=anthropic openai ollama google heuristic"`
	Model             string            `yaml:"model" validate:"required_unless=Provider heuristic"`
	APIKey            string            `yaml:"api_key"`
	BaseURL           string            `yaml:"base_url" validate:"omitempty,url"`
	MaxTokens         int               `yaml:"max_tokens" validate:"min=1"`
	Temperature       float64           `yaml:"temperature" validate:"gte=0,lte=2"`
	PromptTokenBudget int               `yaml:"prompt_token_budget" validate:"min=256"`
	Models            map[string]string `yaml:"models"` // Per-capability model override keyed by kind
}

// MCPConfig lists tool servers reachable over MCP.
type MCPConfig struct {
	CallTimeout Duration          `yaml:"call_timeout"`
	Servers     []MCPServerConfig `yaml:"servers" validate:"dive"`
}

// MCPServerConfig launches one MCP server as a subprocess over stdio.
type MCPServerConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	Command     string            `yaml:"command" validate:"required"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Description string            `yaml:"description"`
}

// NotifyConfig configures event sinks. Empty fields disable the sink.
type NotifyConfig struct {
	Buffer        int    `yaml:"buffer" validate:"min=1"`
	EventLogDir   string `yaml:"event_log_dir"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	WebsocketAddr string `yaml:"websocket_addr"`
}

// PersistenceConfig locates the SQLite database. Empty disables persistence.
type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listen_addr"`
	PrometheusURL string `yaml:"prometheus_url" validate:"omitempty,url"`
}

// LoggingConfig configures logx.
type LoggingConfig struct {
	Level        string   `yaml:"level" validate:"oneof=debug info warn error"`
	Format       string   `yaml:"format" validate:"oneof=auto console json"`
	DebugDomains []string `yaml:"debug_domains"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// TimeoutFor returns the timeout for a state, honoring per-state overrides.
func (e *EngineConfig) TimeoutFor(state proto.State) time.Duration {
	if d, ok := e.StateTimeouts[string(state)]; ok && d > 0 {
		return d.Std()
	}
	return e.StateTimeout.Std()
}

// ResilienceSettings converts the section into the decorator's config.
func (r *ResilienceConfig) ResilienceSettings() resilience.Config {
	return resilience.Config{
		Timeout: r.ProviderTimeout.Std(),
		Retry: retry.Config{
			MaxAttempts:   r.Retry.MaxAttempts,
			InitialDelay:  r.Retry.InitialDelay.Std(),
			MaxDelay:      r.Retry.MaxDelay.Std(),
			BackoffFactor: r.Retry.BackoffFactor,
			Jitter:        r.Retry.Jitter,
		},
		RateLimit: ratelimit.Config{
			RequestsPerSecond: r.RateLimit.RequestsPerSecond,
			Burst:             r.RateLimit.Burst,
			MaxConcurrent:     r.RateLimit.MaxConcurrent,
			MaxQueue:          r.RateLimit.MaxQueue,
			Circuit: circuit.Config{
				FailureThreshold: r.Circuit.FailureThreshold,
				SuccessThreshold: r.Circuit.SuccessThreshold,
				Timeout:          r.Circuit.Timeout.Std(),
			},
		},
	}
}

// ModelFor returns the model for a capability kind.
func (l *LLMConfig) ModelFor(kind string) string {
	if m, ok := l.Models[kind]; ok && m != "" {
		return m
	}
	return l.Model
}
