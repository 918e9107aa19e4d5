package engine

import (
	"context"
	"strings"

	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// Handler is the per-state unit of work. Execute invokes at most one
// capability provider and reports provider failure through the Result; it
// returns an error only for programmer errors.
type Handler interface {
	State() proto.State
	Validate(run *workflow.Context) error
	Execute(ctx context.Context, run *workflow.Context, data any) (workflow.Result, error)
}

// HandlerSet has one field per non-terminal state. A Registry can only be
// built from a set with every field filled.
type HandlerSet struct {
	WorkflowStart     Handler
	ModeSelection     Handler
	Chat              Handler
	Dev               Handler
	Task              Handler
	ContextEnrichment Handler
	TodoPlanning      Handler
	ItemLoop          Handler
	ServerSelection   Handler
	ToolPlanning      Handler
	Execution         Handler
	Verification      Handler
	Replan            Handler
	FinalSummary      Handler
}

func (s *HandlerSet) byState() map[proto.State]Handler {
	return map[proto.State]Handler{
		proto.StateWorkflowStart:     s.WorkflowStart,
		proto.StateModeSelection:     s.ModeSelection,
		proto.StateChat:              s.Chat,
		proto.StateDev:               s.Dev,
		proto.StateTask:              s.Task,
		proto.StateContextEnrichment: s.ContextEnrichment,
		proto.StateTodoPlanning:      s.TodoPlanning,
		proto.StateItemLoop:          s.ItemLoop,
		proto.StateServerSelection:   s.ServerSelection,
		proto.StateToolPlanning:      s.ToolPlanning,
		proto.StateExecution:         s.Execution,
		proto.StateVerification:      s.Verification,
		proto.StateReplan:            s.Replan,
		proto.StateFinalSummary:      s.FinalSummary,
	}
}

// Registry maps states to handlers. It is read-only once built and may be
// shared by concurrent runs.
type Registry struct {
	handlers map[proto.State]Handler
}

// NewRegistry builds a registry, failing with HANDLER_NOT_FOUND if any
// non-terminal state has no handler or a handler reports the wrong state.
func NewRegistry(set HandlerSet) (*Registry, error) {
	handlers := set.byState()

	var missing []string
	for _, state := range proto.AllStates() {
		if state.IsTerminal() {
			continue
		}
		h := handlers[state]
		if h == nil {
			missing = append(missing, string(state))
			continue
		}
		if h.State() != state {
			return nil, workflow.NewError(workflow.CodeHandlerNotFound,
				"handler for %s reports state %s", state, h.State()).
				WithMetadata("state", state)
		}
	}
	if len(missing) > 0 {
		return nil, workflow.NewError(workflow.CodeHandlerNotFound,
			"no handler for %s", strings.Join(missing, ", ")).
			WithMetadata("missing", missing)
	}
	return &Registry{handlers: handlers}, nil
}

// Get returns the handler for state, failing with HANDLER_NOT_FOUND for
// terminal or unknown states.
func (r *Registry) Get(state proto.State) (Handler, error) {
	if r == nil {
		return nil, workflow.NewError(workflow.CodeHandlerNotFound, "no registry configured")
	}
	h, ok := r.handlers[state]
	if !ok || h == nil {
		return nil, workflow.NewError(workflow.CodeHandlerNotFound, "no handler for state %s", state).
			WithMetadata("state", state)
	}
	return h, nil
}
