package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"stageflow/pkg/proto"
)

// EnvPrefix prefixes environment overrides, e.g. STAGEFLOW_ENGINE_MAX_ATTEMPTS.
const EnvPrefix = "STAGEFLOW"

//nolint:gochecknoglobals // Compiled once
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a YAML config file, substitutes ${VAR} references, applies
// STAGEFLOW_* overrides and defaults, then validates. An empty path loads
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = raw
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(data) > 0 {
		expanded := substituteEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} with its value. Unset variables are left as-is.
func substituteEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// applyEnvOverrides walks the struct and sets scalar fields from environment
// variables named after the yaml tag path.
func applyEnvOverrides(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(tag)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := applyEnvOverrides(fv, name); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setFromString(fv, raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

//nolint:gochecknoglobals // Type identity for Duration fields
var durationType = reflect.TypeOf(Duration(0))

func setFromString(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err //nolint:wrapcheck // caller adds variable name
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err //nolint:wrapcheck // caller adds variable name
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err //nolint:wrapcheck // caller adds variable name
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err //nolint:wrapcheck // caller adds variable name
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(fv.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		fv.Set(out)
	default:
		// Maps and nested slices are file-only.
	}
	return nil
}

// applyDefaults fills zero values.
//
//nolint:cyclop // Flat list of defaults
func applyDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.StateTimeout == 0 {
		e.StateTimeout = Duration(30 * time.Second)
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.MaxReplanDepth == 0 {
		e.MaxReplanDepth = 3
	}
	if e.Parallel.MaxWorkers == 0 {
		e.Parallel.MaxWorkers = 10
	}
	if len(e.StateTimeouts) > 0 {
		normalized := make(map[string]Duration, len(e.StateTimeouts))
		for name, d := range e.StateTimeouts {
			if state, err := proto.ParseState(name); err == nil {
				name = string(state)
			}
			normalized[name] = d
		}
		e.StateTimeouts = normalized
	}

	if cfg.Selection.DefaultServers == nil {
		cfg.Selection.DefaultServers = map[string][]string{}
	}

	s := &cfg.Summary
	if s.FullSuccessRatio == 0 {
		s.FullSuccessRatio = 1.0
	}
	if s.PartialRatio == 0 {
		s.PartialRatio = 0.5
	}

	r := &cfg.Resilience
	if r.ProviderTimeout == 0 {
		r.ProviderTimeout = Duration(20 * time.Second)
	}
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = 3
	}
	if r.Retry.InitialDelay == 0 {
		r.Retry.InitialDelay = Duration(500 * time.Millisecond)
	}
	if r.Retry.MaxDelay == 0 {
		r.Retry.MaxDelay = Duration(10 * time.Second)
	}
	if r.Retry.BackoffFactor == 0 {
		r.Retry.BackoffFactor = 2.0
	}
	if r.RateLimit.Burst == 0 {
		r.RateLimit.Burst = 1
	}
	if r.RateLimit.MaxConcurrent == 0 {
		r.RateLimit.MaxConcurrent = 4
	}
	if r.RateLimit.MaxQueue == 0 {
		r.RateLimit.MaxQueue = 32
	}
	if r.Circuit.FailureThreshold == 0 {
		r.Circuit.FailureThreshold = 5
	}
	if r.Circuit.SuccessThreshold == 0 {
		r.Circuit.SuccessThreshold = 2
	}
	if r.Circuit.Timeout == 0 {
		r.Circuit.Timeout = Duration(30 * time.Second)
	}

	l := &cfg.LLM
	if l.Provider == "" {
		l.Provider = ProviderHeuristic
	}
	if l.APIKey == "" {
		l.APIKey = apiKeyFromEnv(l.Provider)
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 4096
	}
	if l.PromptTokenBudget == 0 {
		l.PromptTokenBudget = 32000
	}

	if cfg.MCP.CallTimeout == 0 {
		cfg.MCP.CallTimeout = Duration(30 * time.Second)
	}

	if cfg.Notify.Buffer == 0 {
		cfg.Notify.Buffer = 256
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "stageflow.runs"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
}

// apiKeyFromEnv falls back to the provider's conventional key variable.
func apiKeyFromEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGoogle:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for state, d := range cfg.Engine.StateTimeouts {
		if _, err := proto.ParseState(state); err != nil {
			return fmt.Errorf("invalid config: engine.state_timeouts: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid config: state timeout for %s must be positive", state)
		}
	}

	needsKey := cfg.LLM.Provider == ProviderAnthropic || cfg.LLM.Provider == ProviderOpenAI || cfg.LLM.Provider == ProviderGoogle
	if needsKey && cfg.LLM.APIKey == "" {
		return fmt.Errorf("invalid config: llm.api_key is required for provider %s", cfg.LLM.Provider)
	}

	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		if seen[s.Name] {
			return fmt.Errorf("invalid config: duplicate mcp server %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
