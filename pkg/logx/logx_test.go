package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// setupTestLogger routes log output to a buffer as JSON.
func setupTestLogger(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Configure(Config{Level: level, Format: FormatJSON, Output: &buf})
	t.Cleanup(func() {
		SetDebugEnabled(false)
		SetDebugDomains(nil)
		Configure(Config{Level: LevelInfo, Format: FormatAuto})
	})
	return &buf
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("engine")
	if logger.Component() != "engine" {
		t.Errorf("Expected component 'engine', got '%s'", logger.Component())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger(t, LevelInfo)

	NewLogger("itemloop").Info("Test message with %s", "formatting")

	output := buf.String()
	if !strings.Contains(output, `"component":"itemloop"`) {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
	if !strings.Contains(output, `"level":"info"`) {
		t.Errorf("Expected level in output, got: %s", output)
	}
}

func TestWithFields(t *testing.T) {
	buf := setupTestLogger(t, LevelInfo)

	NewLogger("engine").With("run_id", "r-1").Warn("slow handler")

	if !strings.Contains(buf.String(), `"run_id":"r-1"`) {
		t.Errorf("Expected run_id field, got: %s", buf.String())
	}
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	buf := setupTestLogger(t, LevelInfo)
	SetDebugEnabled(false)

	NewLogger("engine").Debug("hidden")
	Debug(context.Background(), "engine", "hidden too")

	if buf.Len() != 0 {
		t.Errorf("Expected no output, got: %s", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	buf := setupTestLogger(t, LevelDebug)
	SetDebugDomains([]string{"engine"})

	ctx := WithRunID(context.Background(), "run-42")
	Debug(ctx, "engine", "visible %d", 1)
	Debug(ctx, "itemloop", "filtered")

	output := buf.String()
	if !strings.Contains(output, "visible 1") {
		t.Errorf("Expected engine debug line, got: %s", output)
	}
	if strings.Contains(output, "filtered") {
		t.Errorf("Expected itemloop debug to be filtered, got: %s", output)
	}
	if !strings.Contains(output, `"run_id":"run-42"`) {
		t.Errorf("Expected run id from context, got: %s", output)
	}
}

func TestRunIDDefault(t *testing.T) {
	if got := RunID(context.Background()); got != "unknown" {
		t.Errorf("Expected 'unknown', got %q", got)
	}
}

func TestWrap(t *testing.T) {
	_ = setupTestLogger(t, LevelInfo)

	if Wrap(nil, "noop") != nil {
		t.Error("Expected nil for nil error")
	}

	base := errors.New("boom")
	err := Wrap(base, "db connect")
	if !errors.Is(err, base) {
		t.Errorf("Expected wrapped error to match base")
	}
	if err.Error() != "db connect: boom" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
