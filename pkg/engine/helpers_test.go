package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageflow/pkg/capability"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []proto.Event
}

func (p *recordingPublisher) Publish(e proto.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t proto.EventType) []proto.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []proto.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memoryStore is an in-memory RunStore.
type memoryStore struct {
	mu          sync.Mutex
	started     []string
	transitions []workflow.TransitionRecord
	finished    map[string]string
}

func (s *memoryStore) StartRun(_ context.Context, run *workflow.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, run.RunID())
	return nil
}

func (s *memoryStore) FinishRun(_ context.Context, run *workflow.Context, status string, _ *workflow.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished == nil {
		s.finished = make(map[string]string)
	}
	s.finished[run.RunID()] = status
	return nil
}

func (s *memoryStore) AppendTransition(_ context.Context, rec workflow.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, rec)
	return nil
}

func testSettings() Settings {
	s := DefaultSettings()
	s.StateTimeout = 2 * time.Second
	s.MaxAttempts = 3
	return s
}

func items(ids ...string) []workflow.ItemSpec {
	specs := make([]workflow.ItemSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, workflow.ItemSpec{ID: id, Description: "do " + id})
	}
	return specs
}

// happyProviders completes every item on the first attempt.
func happyProviders(plan []workflow.ItemSpec) capability.Set {
	return capability.Set{
		Classifier: capability.Typed(capability.KindClassifier, func(_ context.Context, _ *workflow.Context, _ capability.ClassifyInput) (capability.Classification, error) {
			return capability.Classification{Mode: "task", Confidence: 0.9, Mood: "focused"}, nil
		}),
		Chat: capability.Typed(capability.KindChat, func(_ context.Context, _ *workflow.Context, in capability.ChatInput) (capability.ChatReply, error) {
			return capability.ChatReply{Text: "hello: " + in.Request}, nil
		}),
		DevAnalyzer: capability.Typed(capability.KindDevAnalyzer, func(_ context.Context, _ *workflow.Context, _ capability.DevInput) (capability.DevAnalysis, error) {
			return capability.DevAnalysis{Response: "looks fine"}, nil
		}),
		Enricher: capability.Typed(capability.KindEnricher, func(_ context.Context, _ *workflow.Context, _ capability.EnrichInput) (capability.Enrichment, error) {
			return capability.Enrichment{Data: map[string]any{"cwd": "/tmp"}}, nil
		}),
		Planner: capability.Typed(capability.KindPlanner, func(_ context.Context, _ *workflow.Context, _ capability.PlanInput) (capability.TodoPlan, error) {
			return capability.TodoPlan{Items: plan}, nil
		}),
		Selector: capability.Typed(capability.KindSelector, func(_ context.Context, _ *workflow.Context, _ capability.SelectInput) (capability.Selection, error) {
			return capability.Selection{Servers: []string{"fs"}}, nil
		}),
		ToolPlanner: capability.Typed(capability.KindToolPlanner, func(_ context.Context, _ *workflow.Context, in capability.ToolPlanInput) (capability.ToolPlan, error) {
			return capability.ToolPlan{Calls: []capability.ToolCall{{Server: in.Selection.Servers[0], Tool: "noop"}}}, nil
		}),
		Executor: capability.Typed(capability.KindExecutor, func(_ context.Context, _ *workflow.Context, in capability.ExecuteInput) (capability.ExecutionReport, error) {
			return capability.ExecutionReport{Outcomes: []capability.CallOutcome{{Call: in.Plan.Calls[0], Output: "ok"}}}, nil
		}),
		Verifier: capability.Typed(capability.KindVerifier, func(_ context.Context, _ *workflow.Context, _ capability.VerifyInput) (capability.Verification, error) {
			return capability.Verification{Passed: true}, nil
		}),
		Replanner: capability.Typed(capability.KindReplanner, func(_ context.Context, _ *workflow.Context, _ capability.ReplanInput) (capability.ReplanDecision, error) {
			return capability.ReplanDecision{Strategy: proto.StrategySkipAndContinue}, nil
		}),
		Summarizer: capability.Typed(capability.KindSummarizer, func(_ context.Context, _ *workflow.Context, in capability.SummarizeInput) (capability.SummaryText, error) {
			return capability.SummaryText{Message: "summary for " + string(in.Tier)}, nil
		}),
	}
}

func newEngine(t *testing.T, providers capability.Set, settings Settings, opts ...Option) *Engine {
	t.Helper()
	e, err := New(providers, settings, opts...)
	require.NoError(t, err)
	return e
}

func newMachine(t *testing.T, opts ...MachineOption) *StateMachine {
	t.Helper()
	registry, err := NewRegistry(DefaultHandlers(happyProviders(nil), testSettings()))
	require.NoError(t, err)
	return NewStateMachine(workflow.NewContext("test request", "session-1"), registry, opts...)
}

// forceState puts a machine into any state, bypassing the table.
func forceState(sm *StateMachine, s proto.State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.current = s
}

// itemOrder returns item IDs in the order they first entered SERVER_SELECTION.
func itemOrder(history []workflow.TransitionRecord) []string {
	seen := make(map[string]bool)
	var order []string
	for _, rec := range history {
		if rec.To == proto.StateServerSelection && rec.ItemID != "" && !seen[rec.ItemID] {
			seen[rec.ItemID] = true
			order = append(order, rec.ItemID)
		}
	}
	return order
}

func topLevel(history []workflow.TransitionRecord) []proto.State {
	var states []proto.State
	for _, rec := range history {
		if rec.ItemID == "" {
			states = append(states, rec.To)
		}
	}
	return states
}

func statusOf(t *testing.T, out *Outcome, id string) workflow.Item {
	t.Helper()
	require.NotNil(t, out.Summary)
	for _, it := range out.Summary.Items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("item %s not in summary", id)
	return workflow.Item{}
}
