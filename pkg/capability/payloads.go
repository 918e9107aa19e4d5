package capability

import (
	"time"

	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// ClassifyInput is sent to the Classifier.
type ClassifyInput struct {
	Request string `json:"request"`
}

// Classification is the Classifier's verdict. Mode must be exactly one of
// chat, dev or task.
type Classification struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
	Mood       string  `json:"mood,omitempty"`
}

// ChatInput is sent to the Chat provider.
type ChatInput struct {
	Request string `json:"request"`
	Mood    string `json:"mood,omitempty"`
}

// ChatReply is the conversational answer for chat mode.
type ChatReply struct {
	Text string `json:"text"`
}

// DevInput is sent to the DevAnalyzer.
type DevInput struct {
	Request string `json:"request"`
}

// DevAnalysis answers a dev-mode request and may escalate it to a full task run.
type DevAnalysis struct {
	Response string `json:"response"`
	Escalate bool   `json:"escalate"`
	Reason   string `json:"reason,omitempty"`
}

// EnrichInput is sent to the Enricher.
type EnrichInput struct {
	Request string `json:"request"`
	Mood    string `json:"mood,omitempty"`
}

// Enrichment is extra context gathered before planning.
type Enrichment struct {
	Data map[string]any `json:"data"`
}

// PlanInput is sent to the Planner.
type PlanInput struct {
	Request    string         `json:"request"`
	Enrichment map[string]any `json:"enrichment,omitempty"`
}

// TodoPlan is the Planner's decomposition of the request.
type TodoPlan struct {
	Items []workflow.ItemSpec `json:"items"`
}

// SelectInput is sent to the Selector for one item.
type SelectInput struct {
	Item    workflow.Item `json:"item"`
	Attempt int           `json:"attempt"`
	Relaxed bool          `json:"relaxed"`
}

// Selection names the servers chosen for an item.
type Selection struct {
	Servers  []string `json:"servers"`
	Reason   string   `json:"reason,omitempty"`
	Fallback bool     `json:"fallback,omitempty"` // Chosen by the default mapping, not the provider
}

// ToolPlanInput is sent to the ToolPlanner.
type ToolPlanInput struct {
	Item      workflow.Item `json:"item"`
	Selection Selection     `json:"selection"`
	Attempt   int           `json:"attempt"`
	Relaxed   bool          `json:"relaxed"`
}

// ToolCall is one step of a tool plan.
type ToolCall struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolPlan is an ordered list of tool calls.
type ToolPlan struct {
	Calls []ToolCall `json:"calls"`
}

// ExecuteInput is sent to the Executor.
type ExecuteInput struct {
	Item workflow.Item `json:"item"`
	Plan ToolPlan      `json:"plan"`
}

// CallOutcome records what happened to one tool call.
type CallOutcome struct {
	Call     ToolCall      `json:"call"`
	Output   string        `json:"output,omitempty"`
	IsError  bool          `json:"is_error"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionReport is the Executor's account of a tool plan run. Failures are
// captured here instead of failing the step.
type ExecutionReport struct {
	Outcomes []CallOutcome `json:"outcomes"`
	Failed   bool          `json:"failed"`
	Error    string        `json:"error,omitempty"`
}

// VerifyInput is sent to the Verifier.
type VerifyInput struct {
	Item   workflow.Item   `json:"item"`
	Report ExecutionReport `json:"report"`
}

// Verification is the Verifier's pass/fail judgement.
type Verification struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// ReplanInput is sent to the Replanner after a failed verification.
type ReplanInput struct {
	Item         workflow.Item   `json:"item"`
	Verification Verification    `json:"verification"`
	Report       ExecutionReport `json:"report"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
}

// ReplanDecision is the Replanner's recovery strategy.
type ReplanDecision struct {
	Strategy proto.ReplanStrategy `json:"strategy"`
	NewItems []workflow.ItemSpec  `json:"new_items,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

// SummarizeInput is sent to the Summarizer.
type SummarizeInput struct {
	Request   string          `json:"request"`
	Counts    workflow.Counts `json:"counts"`
	Ratio     float64         `json:"ratio"`
	Tier      workflow.Tier   `json:"tier"`
	Cancelled bool            `json:"cancelled"`
	Items     []workflow.Item `json:"items"`
}

// SummaryText is the Summarizer's closing message.
type SummaryText struct {
	Message string `json:"message"`
}
