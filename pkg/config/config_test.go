package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/proto"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Zero(t, cfg.Engine.MaxTransitions, "budget is sized from the plan")
	assert.Equal(t, 3, cfg.Engine.MaxReplanDepth)
	assert.Equal(t, 10, cfg.Engine.Parallel.MaxWorkers)
	assert.False(t, cfg.Engine.Parallel.Enabled)
	assert.Equal(t, ProviderHeuristic, cfg.LLM.Provider)
	assert.InDelta(t, 1.0, cfg.Summary.FullSuccessRatio, 1e-9)
	assert.InDelta(t, 0.5, cfg.Summary.PartialRatio, 1e-9)
	assert.Equal(t, "stageflow.runs", cfg.Notify.SubjectPrefix)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
engine:
  state_timeout: 45s
  state_timeouts:
    execution: 5m
  max_attempts: 2
  fallback_mode: chat
  parallel:
    enabled: true
    max_workers: 4
selection:
  default_servers:
    default: [filesystem]
    web: [browser, fetch]
mcp:
  servers:
    - name: filesystem
      command: mcp-fs
      args: ["--root", "/tmp"]
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Engine.StateTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Engine.TimeoutFor(proto.StateExecution))
	assert.Equal(t, 45*time.Second, cfg.Engine.TimeoutFor(proto.StateTodoPlanning))
	assert.Equal(t, 2, cfg.Engine.MaxAttempts)
	assert.Equal(t, "chat", cfg.Engine.FallbackMode)
	assert.True(t, cfg.Engine.Parallel.Enabled)
	assert.Equal(t, []string{"browser", "fetch"}, cfg.Selection.DefaultServers["web"])
	require.Len(t, cfg.MCP.Servers, 1)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.MCP.Servers[0].Args)
}

func TestDurationAcceptsSeconds(t *testing.T) {
	cfg, err := Parse([]byte("engine:\n  state_timeout: 90\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Engine.StateTimeout.Std())
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("STAGEFLOW_TEST_KEY", "sk-test")
	cfg, err := Parse([]byte("llm:\n  provider: anthropic\n  model: claude-sonnet-4-5\n  api_key: ${STAGEFLOW_TEST_KEY}\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestUnsetEnvVarIsLeftInPlace(t *testing.T) {
	assert.Equal(t, "${STAGEFLOW_DOES_NOT_EXIST}", substituteEnvVars("${STAGEFLOW_DOES_NOT_EXIST}"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAGEFLOW_ENGINE_MAX_ATTEMPTS", "5")
	t.Setenv("STAGEFLOW_ENGINE_STATE_TIMEOUT", "10s")
	t.Setenv("STAGEFLOW_ENGINE_PARALLEL_ENABLED", "true")
	t.Setenv("STAGEFLOW_LOGGING_DEBUG_DOMAINS", "engine, notify")

	cfg, err := Parse([]byte("engine:\n  max_attempts: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Engine.StateTimeout.Std())
	assert.True(t, cfg.Engine.Parallel.Enabled)
	assert.Equal(t, []string{"engine", "notify"}, cfg.Logging.DebugDomains)
}

func TestBadEnvOverride(t *testing.T) {
	t.Setenv("STAGEFLOW_ENGINE_MAX_ATTEMPTS", "many")
	_, err := Parse(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STAGEFLOW_ENGINE_MAX_ATTEMPTS")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"attempts too high", "engine:\n  max_attempts: 50\n", "MaxAttempts"},
		{"budget too small", "engine:\n  max_transitions: 5\n", "MaxTransitions"},
		{"replan depth too high", "engine:\n  max_replan_depth: 40\n", "MaxReplanDepth"},
		{"bad fallback", "engine:\n  fallback_mode: poetry\n", "FallbackMode"},
		{"bad provider", "llm:\n  provider: parrot\n", "Provider"},
		{"partial above full", "summary:\n  full_success_ratio: 0.6\n  partial_ratio: 0.8\n", "PartialRatio"},
		{"unknown state", "engine:\n  state_timeouts:\n    NAPPING: 1s\n", "unknown state"},
		{"missing server command", "mcp:\n  servers:\n    - name: fs\n", "Command"},
		{"duplicate server", "mcp:\n  servers:\n    - {name: fs, command: a}\n    - {name: fs, command: b}\n", "duplicate"},
		{"bad duration", "engine:\n  state_timeout: soon\n", "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHostedProviderRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := Parse([]byte("llm:\n  provider: openai\n  model: gpt-4o\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Parse([]byte("llm:\n  provider: openai\n  model: gpt-4o\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stageflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_transitions: 50\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Engine.MaxTransitions)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestResilienceSettings(t *testing.T) {
	cfg := Default()
	rc := cfg.Resilience.ResilienceSettings()
	assert.Equal(t, 20*time.Second, rc.Timeout)
	assert.Equal(t, 3, rc.Retry.MaxAttempts)
	assert.Equal(t, 4, rc.RateLimit.MaxConcurrent)
	assert.Equal(t, 5, rc.RateLimit.Circuit.FailureThreshold)
	assert.Equal(t, 30*time.Second, rc.RateLimit.Circuit.Timeout)
}

func TestModelFor(t *testing.T) {
	l := LLMConfig{Model: "base", Models: map[string]string{"planner": "big"}}
	assert.Equal(t, "big", l.ModelFor("planner"))
	assert.Equal(t, "base", l.ModelFor("classifier"))
}
