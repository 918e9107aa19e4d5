// Package metrics records engine, item, provider and LLM metrics.
package metrics

import (
	"time"

	"stageflow/pkg/proto"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Recorder defines the interface for recording workflow metrics.
type Recorder interface {
	// ObserveTransition counts a state transition.
	ObserveTransition(from, to proto.State)

	// ObserveHandler records one handler execution.
	ObserveHandler(state proto.State, success bool, duration time.Duration)

	// ObserveItem counts an item reaching a terminal status.
	ObserveItem(status proto.ItemStatus)

	// ObserveProvider records one provider call.
	ObserveProvider(kind string, success bool, errorCode string, duration time.Duration)

	// ObserveTokens records LLM token usage.
	ObserveTokens(model, kind string, promptTokens, completionTokens int)

	// ObserveRun records a finished run.
	ObserveRun(mode, outcome string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveTransition(_, _ proto.State)                    {}
func (n *NoopRecorder) ObserveHandler(_ proto.State, _ bool, _ time.Duration) {}
func (n *NoopRecorder) ObserveItem(_ proto.ItemStatus)                        {}
func (n *NoopRecorder) ObserveProvider(_ string, _ bool, _ string, _ time.Duration) {
}
func (n *NoopRecorder) ObserveTokens(_, _ string, _, _ int)     {}
func (n *NoopRecorder) ObserveRun(_, _ string, _ time.Duration) {}
