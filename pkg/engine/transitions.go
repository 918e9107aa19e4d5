// Package engine drives a workflow run: the state machine, the per-state
// handlers, the item loop coordinator and the outer driver.
package engine

import (
	"slices"

	"stageflow/pkg/proto"
)

// Transitions is the static transition table. It is the single source of
// truth for which state changes are legal and is never mutated.
//
//nolint:gochecknoglobals // Read-only after init
var Transitions = map[proto.State][]proto.State{
	proto.StateWorkflowStart:     {proto.StateModeSelection},
	proto.StateModeSelection:     {proto.StateChat, proto.StateDev, proto.StateTask},
	proto.StateChat:              {proto.StateWorkflowEnd},
	proto.StateDev:               {proto.StateTask, proto.StateWorkflowEnd},
	proto.StateTask:              {proto.StateContextEnrichment, proto.StateFinalSummary},
	proto.StateContextEnrichment: {proto.StateTodoPlanning, proto.StateFinalSummary},
	proto.StateTodoPlanning:      {proto.StateItemLoop, proto.StateFinalSummary},
	proto.StateItemLoop:          {proto.StateServerSelection, proto.StateFinalSummary},
	proto.StateServerSelection:   {proto.StateToolPlanning, proto.StateItemLoop, proto.StateFinalSummary},
	proto.StateToolPlanning:      {proto.StateExecution, proto.StateServerSelection, proto.StateItemLoop, proto.StateFinalSummary},
	proto.StateExecution:         {proto.StateVerification, proto.StateFinalSummary},
	proto.StateVerification:      {proto.StateItemLoop, proto.StateReplan, proto.StateFinalSummary},
	proto.StateReplan:            {proto.StateItemLoop, proto.StateServerSelection, proto.StateFinalSummary},
	proto.StateFinalSummary:      {proto.StateWorkflowEnd},
	proto.StateWorkflowEnd:       {},
}

// AllowedFrom returns a copy of the states reachable from s.
func AllowedFrom(s proto.State) []proto.State {
	return append([]proto.State(nil), Transitions[s]...)
}

// IsAllowed reports whether from → to is in the transition table.
func IsAllowed(from, to proto.State) bool {
	return slices.Contains(Transitions[from], to)
}
