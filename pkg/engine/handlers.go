package engine

import (
	"context"
	"strings"
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// ItemRun is the working state of one item while it moves through the
// per-item sequence. It is owned by a single worker; handlers receive a copy
// and report through their result payload.
type ItemRun struct {
	Item         workflow.Item
	Attempt      int
	Relaxed      bool // Set on retries so providers may loosen constraints
	Selection    capability.Selection
	Plan         capability.ToolPlan
	Report       capability.ExecutionReport
	Verification capability.Verification
	Decision     capability.ReplanDecision
}

// LoopQuery is the optional input of the ITEM_LOOP handler.
type LoopQuery struct {
	Exclude map[string]bool // In-flight items
}

// LoopStatus is the ITEM_LOOP handler's view of the TODO list.
type LoopStatus struct {
	Eligible  []string `json:"eligible"`
	Blocked   []string `json:"blocked"`
	Remaining int      `json:"remaining"`
}

// base carries the state and required context fields shared by all handlers.
type base struct {
	state    proto.State
	requires []workflow.Field
}

func (b base) State() proto.State { return b.state }

func (b base) Validate(run *workflow.Context) error {
	if run == nil {
		return workflow.NewError(workflow.CodeInvalidContext, "%s: nil context", b.state)
	}
	if missing := run.Missing(b.requires...); len(missing) > 0 {
		return workflow.NewError(workflow.CodeInvalidContext,
			"%s: missing required context fields: %s", b.state, strings.Join(missing, ", ")).
			WithMetadata("missing", missing)
	}
	return nil
}

// invoke calls p, failing with PROCESSOR_NOT_FOUND when no provider is wired.
func (b base) invoke(ctx context.Context, p capability.Provider, kind capability.Kind, run *workflow.Context, input any) (workflow.Result, error) {
	if p == nil {
		err := workflow.NewError(workflow.CodeProcessorNotFound, "%s: no %s provider configured", b.state, kind)
		return workflow.Fail(err), err
	}
	return capability.Call(ctx, p, run, input), nil
}

func itemData(state proto.State, data any) (*ItemRun, error) {
	ir, ok := data.(*ItemRun)
	if !ok || ir == nil {
		return nil, workflow.NewError(workflow.CodeInvalidContext, "%s: expected *ItemRun, got %T", state, data)
	}
	return ir, nil
}

func cancelled(res workflow.Result) bool {
	return !res.Success && res.Error != nil && res.Error.Code == workflow.CodeCancelled
}

// DefaultHandlers builds the complete handler set over providers.
func DefaultHandlers(providers capability.Set, settings Settings) HandlerSet {
	return HandlerSet{
		WorkflowStart:     &startHandler{base: base{proto.StateWorkflowStart, []workflow.Field{workflow.FieldRequest, workflow.FieldSessionID}}, now: time.Now},
		ModeSelection:     &modeHandler{base: base{proto.StateModeSelection, []workflow.Field{workflow.FieldRequest}}, classifier: providers.Classifier, fallback: settings.FallbackMode},
		Chat:              &chatHandler{base: base{proto.StateChat, []workflow.Field{workflow.FieldRequest}}, chat: providers.Chat},
		Dev:               &devHandler{base: base{proto.StateDev, []workflow.Field{workflow.FieldRequest}}, analyzer: providers.DevAnalyzer},
		Task:              &taskHandler{base: base{proto.StateTask, []workflow.Field{workflow.FieldRequest}}},
		ContextEnrichment: &enrichHandler{base: base{proto.StateContextEnrichment, []workflow.Field{workflow.FieldRequest}}, enricher: providers.Enricher},
		TodoPlanning:      &planHandler{base: base{proto.StateTodoPlanning, []workflow.Field{workflow.FieldRequest}}, planner: providers.Planner},
		ItemLoop:          &loopHandler{base: base{proto.StateItemLoop, []workflow.Field{workflow.FieldTodoList}}},
		ServerSelection:   &selectHandler{base: base{proto.StateServerSelection, []workflow.Field{workflow.FieldTodoList}}, selector: providers.Selector, settings: settings},
		ToolPlanning:      &toolPlanHandler{base: base{proto.StateToolPlanning, []workflow.Field{workflow.FieldTodoList}}, planner: providers.ToolPlanner},
		Execution:         &executeHandler{base: base{proto.StateExecution, []workflow.Field{workflow.FieldTodoList}}, executor: providers.Executor},
		Verification:      &verifyHandler{base: base{proto.StateVerification, []workflow.Field{workflow.FieldTodoList}}, verifier: providers.Verifier},
		Replan:            &replanHandler{base: base{proto.StateReplan, []workflow.Field{workflow.FieldTodoList}}, replanner: providers.Replanner, maxAttempts: settings.maxAttempts()},
		FinalSummary:      &summaryHandler{base: base{proto.StateFinalSummary, []workflow.Field{workflow.FieldRequest}}, summarizer: providers.Summarizer, settings: settings},
	}
}

type startHandler struct {
	base
	now func() time.Time
}

func (h *startHandler) Validate(run *workflow.Context) error {
	if err := h.base.Validate(run); err != nil {
		return err
	}
	if strings.TrimSpace(run.Request()) == "" {
		return workflow.NewError(workflow.CodeInvalidContext, "%s: request is blank", h.state).
			WithMetadata("missing", []string{string(workflow.FieldRequest)})
	}
	return nil
}

func (h *startHandler) Execute(_ context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	run.MarkStarted(h.now())
	return workflow.Ok(nil), nil
}

type modeHandler struct {
	base
	classifier capability.Provider
	fallback   proto.Mode
}

// Execute classifies the request. Modes match exactly; anything else fails
// with UNKNOWN_MODE. Provider failure uses the fallback mode when one is set.
func (h *modeHandler) Execute(ctx context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	res, err := h.invoke(ctx, h.classifier, capability.KindClassifier, run, capability.ClassifyInput{Request: run.Request()})
	if err != nil {
		return res, err
	}
	if !res.Success {
		if h.fallback == "" || cancelled(res) {
			return res, nil
		}
		if !commit(ctx, func() { run.SetMode(h.fallback, 0, "") }) {
			return late(ctx, h.state)
		}
		return workflow.Ok(capability.Classification{Mode: string(h.fallback)}), nil
	}

	c, perr := workflow.PayloadAs[capability.Classification](res)
	if perr != nil {
		return workflow.FromError(perr, workflow.CodeProviderFailure), nil
	}
	mode := proto.Mode(c.Mode)
	if _, ok := mode.State(); !ok {
		return workflow.Fail(workflow.NewError(workflow.CodeUnknownMode, "classifier returned unknown mode %q", c.Mode).
			WithMetadata("mode", c.Mode)), nil
	}
	if !commit(ctx, func() { run.SetMode(mode, c.Confidence, c.Mood) }) {
		return late(ctx, h.state)
	}
	return workflow.Ok(c), nil
}

type chatHandler struct {
	base
	chat capability.Provider
}

func (h *chatHandler) Execute(ctx context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	res, err := h.invoke(ctx, h.chat, capability.KindChat, run, capability.ChatInput{Request: run.Request(), Mood: run.Mood()})
	if err != nil || !res.Success {
		return res, err
	}
	reply, perr := workflow.PayloadAs[capability.ChatReply](res)
	if perr != nil {
		return workflow.FromError(perr, workflow.CodeProviderFailure), nil
	}
	if !commit(ctx, func() { run.SetResponse(reply.Text) }) {
		return late(ctx, h.state)
	}
	return workflow.Ok(reply), nil
}

type devHandler struct {
	base
	analyzer capability.Provider
}

func (h *devHandler) Execute(ctx context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	res, err := h.invoke(ctx, h.analyzer, capability.KindDevAnalyzer, run, capability.DevInput{Request: run.Request()})
	if err != nil || !res.Success {
		return res, err
	}
	analysis, perr := workflow.PayloadAs[capability.DevAnalysis](res)
	if perr != nil {
		return workflow.FromError(perr, workflow.CodeProviderFailure), nil
	}
	if !commit(ctx, func() { run.SetResponse(analysis.Response) }) {
		return late(ctx, h.state)
	}
	return workflow.Ok(analysis), nil
}

type taskHandler struct {
	base
}

func (h *taskHandler) Execute(_ context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	run.SetMode(proto.ModeTask, run.Confidence(), run.Mood())
	return workflow.Ok(nil), nil
}

type enrichHandler struct {
	base
	enricher capability.Provider
}

func (h *enrichHandler) Execute(ctx context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	res, err := h.invoke(ctx, h.enricher, capability.KindEnricher, run, capability.EnrichInput{Request: run.Request(), Mood: run.Mood()})
	if err != nil || !res.Success {
		return res, err
	}
	enrichment, perr := workflow.PayloadAs[capability.Enrichment](res)
	if perr != nil {
		return workflow.FromError(perr, workflow.CodeProviderFailure), nil
	}
	if !commit(ctx, func() { run.SetEnrichment(enrichment.Data) }) {
		return late(ctx, h.state)
	}
	return workflow.Ok(enrichment), nil
}

type planHandler struct {
	base
	planner capability.Provider
}

// Execute builds the TODO list. Duplicate IDs and unknown dependencies are
// reported as a provider failure.
func (h *planHandler) Execute(ctx context.Context, run *workflow.Context, _ any) (workflow.Result, error) {
	res, err := h.invoke(ctx, h.planner, capability.KindPlanner, run, capability.PlanInput{Request: run.Request(), Enrichment: run.Enrichment()})
	if err != nil || !res.Success {
		return res, err
	}
	plan, perr := workflow.PayloadAs[capability.TodoPlan](res)
	if perr != nil {
		return workflow.FromError(perr, workflow.CodeProviderFailure), nil
	}
	tl, berr := workflow.BuildTodoList(plan.Items)
	if berr != nil {
		return workflow.Fail(workflow.WrapError(workflow.CodeProviderFailure, berr, "planner returned an invalid plan")), nil
	}
	if !commit(ctx, func() { run.SetTodoList(tl) }) {
		return late(ctx, h.state)
	}
	return workflow.Ok(plan), nil
}

type loopHandler struct {
	base
}

// Execute is a read-only query over the TODO list.
func (h *loopHandler) Execute(_ context.Context, run *workflow.Context, data any) (workflow.Result, error) {
	var exclude map[string]bool
	switch q := data.(type) {
	case LoopQuery:
		exclude = q.Exclude
	case *LoopQuery:
		if q != nil {
			exclude = q.Exclude
		}
	}

	tl := run.TodoList()
	status := LoopStatus{Remaining: tl.Remaining()}
	for _, it := range tl.Eligible(exclude) {
		status.Eligible = append(status.Eligible, it.ID)
	}
	for _, it := range tl.Unresolvable() {
		status.Blocked = append(status.Blocked, it.ID)
	}
	return workflow.Ok(status), nil
}

type selectHandler struct {
	base
	selector capability.Provider
	settings Settings
}

// Execute picks servers for the item. Provider failure or an empty selection
// falls back to the category mapping; only cancellation fails the step.
func (h *selectHandler) Execute(ctx context.Context, run *workflow.Context, data any) (workflow.Result, error) {
	ir, err := itemData(h.state, data)
	if err != nil {
		return workflow.FromError(err, workflow.CodeInvalidContext), err
	}
	res, err := h.invoke(ctx, h.selector, capability.KindSelector, run, capability.SelectInput{Item: ir.Item, Attempt: ir.Attempt, Relaxed: ir.Relaxed})
	if err != nil {
		return res, err
	}
	if cancelled(res) {
		return res, nil
	}

	var sel capability.Selection
	if res.Success {
		sel, _ = workflow.PayloadAs[capability.Selection](res)
	}
	if len(sel.Servers) == 0 {
		reason := "selector returned no servers"
		if res.Error != nil {
			reason = res.Error.Error()
		}
		sel = capability.Selection{
			Servers:  h.settings.ServersFor(ir.Item.Category),
			Reason:   "default mapping: " + reason,
			Fallback: true,
		}
	}
	return workflow.Ok(sel), nil
}

type toolPlanHandler struct {
	base
	planner capability.Provider
}

func (h *toolPlanHandler) Execute(ctx context.Context, run *workflow.Context, data any) (workflow.Result, error) {
	ir, err := itemData(h.state, data)
	if err != nil {
		return workflow.FromError(err, workflow.CodeInvalidContext), err
	}
	res, err := h.invoke(ctx, h.planner, capability.KindToolPlanner, run, capability.ToolPlanInput{
		Item: ir.Item, Selection: ir.Selection, Attempt: ir.Attempt, Relaxed: ir.Relaxed,
	})
	if err != nil || !res.Success {
		return res, err
	}
	plan, perr := workflow.PayloadAs[capability.ToolPlan](res)
	if perr != nil {
		return workflow.FromError(perr, workflow.CodeProviderFailure), nil
	}
	return workflow.Ok(plan), nil
}

type executeHandler struct {
	base
	executor capability.Provider
}

// Execute runs the tool plan. Failures become part of the report rather
// than failing the step; only cancellation fails it.
func (h *executeHandler) Execute(ctx context.Context, run *workflow.Context, data any) (workflow.Result, error) {
	ir, err := itemData(h.state, data)
	if err != nil {
		return workflow.FromError(err, workflow.CodeInvalidContext), err
	}
	res, err := h.invoke(ctx, h.executor, capability.KindExecutor, run, capability.ExecuteInput{Item: ir.Item, Plan: ir.Plan})
	if err != nil || cancelled(res) {
		return res, err
	}

	var report capability.ExecutionReport
	if res.Success {
		var perr error
		if report, perr = workflow.PayloadAs[capability.ExecutionReport](res); perr != nil {
			report = capability.ExecutionReport{Failed: true, Error: perr.Error()}
		}
	} else {
		report = capability.ExecutionReport{Failed: true, Error: res.Error.Error()}
	}
	return workflow.Ok(report), nil
}

type verifyHandler struct {
	base
	verifier capability.Provider
}

// Execute judges the execution. A verifier failure counts as not passed.
func (h *verifyHandler) Execute(ctx context.Context, run *workflow.Context, data any) (workflow.Result, error) {
	ir, err := itemData(h.state, data)
	if err != nil {
		return workflow.FromError(err, workflow.CodeInvalidContext), err
	}
	res, err := h.invoke(ctx, h.verifier, capability.KindVerifier, run, capability.VerifyInput{Item: ir.Item, Report: ir.Report})
	if err != nil || cancelled(res) {
		return res, err
	}

	var v capability.Verification
	if res.Success {
		var perr error
		if v, perr = workflow.PayloadAs[capability.Verification](res); perr != nil {
			v = capability.Verification{Reason: perr.Error()}
		}
	} else {
		v = capability.Verification{Reason: "verifier failed: " + res.Error.Error()}
	}
	return workflow.Ok(v), nil
}

type replanHandler struct {
	base
	replanner   capability.Provider
	maxAttempts int
}

// Execute chooses a recovery strategy. A replanner failure or an unknown
// strategy is treated as retry.
func (h *replanHandler) Execute(ctx context.Context, run *workflow.Context, data any) (workflow.Result, error) {
	ir, err := itemData(h.state, data)
	if err != nil {
		return workflow.FromError(err, workflow.CodeInvalidContext), err
	}
	res, err := h.invoke(ctx, h.replanner, capability.KindReplanner, run, capability.ReplanInput{
		Item: ir.Item, Verification: ir.Verification, Report: ir.Report,
		Attempt: ir.Attempt, MaxAttempts: h.maxAttempts,
	})
	if err != nil || cancelled(res) {
		return res, err
	}

	decision := capability.ReplanDecision{Strategy: proto.StrategyRetry}
	if res.Success {
		if d, perr := workflow.PayloadAs[capability.ReplanDecision](res); perr == nil && d.Strategy.IsValid() {
			decision = d
		} else if perr == nil {
			decision.Reason = "unknown strategy " + string(d.Strategy)
		}
	} else {
		decision.Reason = "replanner failed: " + res.Error.Error()
	}
	return workflow.Ok(decision), nil
}
