// Package proto defines the shared vocabulary of the workflow engine: states,
// item statuses, modes, and the events emitted to notification sinks.
package proto

import (
	"fmt"
	"strings"
)

// State is one named phase of the workflow's top-level control flow.
type State string

// State constants - single source of truth for state names.
const (
	StateWorkflowStart     State = "WORKFLOW_START"
	StateModeSelection     State = "MODE_SELECTION"
	StateChat              State = "CHAT"
	StateDev               State = "DEV"
	StateTask              State = "TASK"
	StateContextEnrichment State = "CONTEXT_ENRICHMENT"
	StateTodoPlanning      State = "TODO_PLANNING"
	StateItemLoop          State = "ITEM_LOOP"
	StateServerSelection   State = "SERVER_SELECTION"
	StateToolPlanning      State = "TOOL_PLANNING"
	StateExecution         State = "EXECUTION"
	StateVerification      State = "VERIFICATION"
	StateReplan            State = "REPLAN"
	StateFinalSummary      State = "FINAL_SUMMARY"
	StateWorkflowEnd       State = "WORKFLOW_END"
)

//nolint:gochecknoglobals // Fixed enumeration, read-only after init
var allStates = []State{
	StateWorkflowStart,
	StateModeSelection,
	StateChat,
	StateDev,
	StateTask,
	StateContextEnrichment,
	StateTodoPlanning,
	StateItemLoop,
	StateServerSelection,
	StateToolPlanning,
	StateExecution,
	StateVerification,
	StateReplan,
	StateFinalSummary,
	StateWorkflowEnd,
}

// AllStates returns every state in pipeline order.
func AllStates() []State {
	return append([]State(nil), allStates...)
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the workflow.
func (s State) IsTerminal() bool {
	return s == StateWorkflowEnd
}

// IsItemState reports whether s belongs to the per-item sub-workflow.
func (s State) IsItemState() bool {
	switch s {
	case StateServerSelection, StateToolPlanning, StateExecution, StateVerification, StateReplan:
		return true
	default:
		return false
	}
}

// ParseState converts a string into a State. Matching is case-insensitive
// but the result is always the canonical upper-case name.
func ParseState(s string) (State, error) {
	state := State(strings.ToUpper(strings.TrimSpace(s)))
	if !state.IsValid() {
		return "", fmt.Errorf("unknown state: %q", s)
	}
	return state, nil
}
