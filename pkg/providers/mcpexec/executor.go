package mcpexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

// DefaultCallTimeout bounds a single tool call.
const DefaultCallTimeout = 30 * time.Second

// Executor runs tool plans call by call over a Catalog.
type Executor struct {
	catalog     *Catalog
	callTimeout time.Duration
}

// NewExecutor creates an executor. A non-positive timeout uses the default.
func NewExecutor(catalog *Catalog, callTimeout time.Duration) *Executor {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Executor{catalog: catalog, callTimeout: callTimeout}
}

// Provider returns the Executor capability.
func (e *Executor) Provider() capability.Provider {
	return capability.Typed(capability.KindExecutor, func(ctx context.Context, _ *workflow.Context, in capability.ExecuteInput) (capability.ExecutionReport, error) {
		return e.Execute(ctx, in.Plan)
	})
}

// Execute runs the calls in order and stops at the first failed call. Tool
// failures are recorded in the report; only cancellation returns an error.
func (e *Executor) Execute(ctx context.Context, plan capability.ToolPlan) (capability.ExecutionReport, error) {
	report := capability.ExecutionReport{Outcomes: make([]capability.CallOutcome, 0, len(plan.Calls))}
	if len(plan.Calls) == 0 {
		report.Failed = true
		report.Error = "empty tool plan"
		return report, nil
	}

	for _, call := range plan.Calls {
		outcome := e.call(ctx, call)
		report.Outcomes = append(report.Outcomes, outcome)
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if outcome.IsError {
			report.Failed = true
			report.Error = fmt.Sprintf("%s/%s: %s", call.Server, call.Tool, outcome.Error)
			break
		}
	}
	return report, nil
}

func (e *Executor) call(ctx context.Context, call capability.ToolCall) capability.CallOutcome {
	outcome := capability.CallOutcome{Call: call}
	start := time.Now()

	session, ok := e.catalog.session(call.Server)
	if !ok {
		outcome.IsError = true
		outcome.Error = fmt.Sprintf("unknown server %q", call.Server)
		outcome.Duration = time.Since(start)
		return outcome
	}

	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	res, err := session.CallTool(cctx, &mcp.CallToolParams{Name: call.Tool, Arguments: args})
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.IsError = true
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Output = textOf(res.Content)
	if res.IsError {
		outcome.IsError = true
		outcome.Error = outcome.Output
		if outcome.Error == "" {
			outcome.Error = "tool reported an error"
		}
	}
	return outcome
}

// textOf joins the text content of a tool result.
func textOf(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
