package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"stageflow/pkg/capability"
	"stageflow/pkg/logx"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

const (
	reasonUnresolvable = "unresolvable dependencies"
	reasonCancelled    = "cancelled"
	reasonMaxAttempts  = "max attempts exceeded"
	reasonBudget       = "transition budget exhausted"
)

// itemOutcome is what a worker reports back to the coordinator. Only the
// coordinator applies it to the TODO list.
type itemOutcome struct {
	itemID       string
	status       proto.ItemStatus
	reason       string
	attempt      int
	execution    any
	verification any
	children     []workflow.ItemSpec
	cancelled    bool
	exhausted    bool  // The run's transition budget ran out
	err          error // Fatal; aborts the run
}

// Coordinator walks the TODO list, running the per-item sequence on a nested
// state machine for every eligible item. It is the only writer of the list.
type Coordinator struct {
	top      *StateMachine
	settings Settings
	logger   *logx.Logger
}

// NewCoordinator creates a coordinator over a machine that is in ITEM_LOOP.
func NewCoordinator(top *StateMachine, settings Settings) *Coordinator {
	return &Coordinator{
		top:      top,
		settings: settings,
		logger:   logx.NewLogger("coordinator"),
	}
}

// Run processes items until none is eligible. It reports whether the run was
// cancelled; a non-nil error is fatal. Running out of transition budget is
// not fatal: the remaining items are skipped and the run goes on to its
// summary.
func (c *Coordinator) Run(ctx context.Context) (bool, error) {
	c.top.journal.grant(c.todos().Len(), c.settings.maxAttempts())
	if c.settings.Parallel && c.settings.MaxWorkers > 1 {
		return c.runParallel(ctx)
	}
	return c.runSequential(ctx)
}

func (c *Coordinator) todos() *workflow.TodoList {
	return c.top.Context().TodoList()
}

// query runs the ITEM_LOOP handler on the top-level machine.
func (c *Coordinator) query(ctx context.Context, exclude map[string]bool) (LoopStatus, error) {
	res, err := c.top.ExecuteHandler(ctx, LoopQuery{Exclude: exclude})
	if err != nil {
		return LoopStatus{}, err
	}
	if !res.Success {
		return LoopStatus{}, res.Error
	}
	return workflow.PayloadAs[LoopStatus](res)
}

func (c *Coordinator) runSequential(ctx context.Context) (bool, error) {
	for {
		if ctx.Err() != nil {
			return true, nil
		}
		status, err := c.query(ctx, nil)
		if err != nil {
			return false, err
		}
		if len(status.Eligible) == 0 {
			c.skipRemaining(reasonUnresolvable)
			return false, nil
		}

		item, ok := c.begin(status.Eligible[0])
		if !ok {
			continue
		}
		out := c.runItem(ctx, item)
		c.apply(out)
		if out.err != nil {
			return false, out.err
		}
		if out.cancelled {
			return true, nil
		}
		if out.exhausted {
			c.skipRemaining(reasonBudget)
			return false, nil
		}
		c.skipBlocked()
	}
}

// runParallel starts a worker per eligible item, up to MaxWorkers at a time.
// Outcomes are applied one by one as they land, so a failure blocks its
// dependents immediately rather than after the batch settles.
func (c *Coordinator) runParallel(ctx context.Context) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.settings.MaxWorkers)
	results := make(chan itemOutcome, c.settings.MaxWorkers)
	inflight := make(map[string]bool)

	var fatal error
	stopped, exhausted := false, false

	for {
		if fatal == nil && !stopped && !exhausted && gctx.Err() == nil {
			status, err := c.query(ctx, inflight)
			if err != nil {
				fatal = err
			}
			for _, id := range status.Eligible {
				if len(inflight) >= c.settings.MaxWorkers {
					break
				}
				item, ok := c.begin(id)
				if !ok {
					continue
				}
				inflight[id] = true
				g.Go(func() error {
					out := c.runItem(gctx, item)
					results <- out
					return out.err // A spent budget is not an error here, so siblings finish
				})
			}
		}
		if len(inflight) == 0 {
			break
		}

		out := <-results
		delete(inflight, out.itemID)
		c.apply(out)
		if out.err != nil && fatal == nil {
			fatal = out.err
		}
		if out.cancelled {
			stopped = true
		}
		if out.exhausted {
			exhausted = true
		}
		c.skipBlocked()
	}
	_ = g.Wait() // Errors were collected from outcomes

	if fatal != nil {
		return false, fatal
	}
	if stopped || ctx.Err() != nil {
		return true, nil
	}
	if exhausted {
		c.skipRemaining(reasonBudget)
		return false, nil
	}
	c.skipRemaining(reasonUnresolvable)
	return false, nil
}

// begin marks an item in progress and returns its snapshot.
func (c *Coordinator) begin(id string) (workflow.Item, bool) {
	tl := c.todos()
	if err := tl.SetStatus(id, proto.ItemInProgress, ""); err != nil {
		c.logger.Warn("cannot start item %s: %v", id, err)
		return workflow.Item{}, false
	}
	item, ok := tl.Get(id)
	return item, ok
}

// apply writes a worker's outcome to the TODO list.
func (c *Coordinator) apply(out itemOutcome) {
	tl := c.todos()
	if out.attempt > 0 {
		_ = tl.SetAttempt(out.itemID, out.attempt)
	}
	_ = tl.RecordResults(out.itemID, out.execution, out.verification)

	status, reason := out.status, out.reason
	switch {
	case out.cancelled:
		status, reason = proto.ItemSkipped, reasonCancelled
	case out.err != nil:
		status, reason = proto.ItemFailed, out.err.Error()
	case status == proto.ItemReplanned:
		ids, err := tl.InsertChildren(out.itemID, out.children)
		if err != nil || len(ids) == 0 {
			status = proto.ItemSkipped
			if err != nil {
				reason = fmt.Sprintf("replan failed: %v", err)
			} else {
				reason = "replan produced no items"
			}
		} else {
			c.top.journal.grant(len(ids), c.settings.maxAttempts())
			c.logger.Info("item %s replanned into %v", out.itemID, ids)
		}
	}
	c.finish(out.itemID, status, reason)
}

func (c *Coordinator) finish(id string, status proto.ItemStatus, reason string) {
	if err := c.todos().SetStatus(id, status, reason); err != nil {
		c.logger.Warn("cannot set item %s to %s: %v", id, status, err)
		return
	}
	if reason != "" {
		c.logger.Info("item %s %s (%s)", id, status, reason)
	} else {
		c.logger.Info("item %s %s", id, status)
	}
	j := c.top.journal
	if j.publisher != nil {
		j.publisher.Publish(proto.NewItemStatusEvent(c.top.Context().RunID(), id, status, j.now().UTC()))
	}
	j.recorder.ObserveItem(status)
}

// skipBlocked skips pending items whose dependencies can never be satisfied,
// repeating until no more become blocked.
func (c *Coordinator) skipBlocked() {
	for {
		blocked := c.todos().Unresolvable()
		if len(blocked) == 0 {
			return
		}
		for _, it := range blocked {
			c.finish(it.ID, proto.ItemSkipped, reasonUnresolvable)
		}
	}
}

// skipRemaining skips whatever is still pending once the loop stops.
func (c *Coordinator) skipRemaining(reason string) {
	for _, it := range c.todos().Pending() {
		c.finish(it.ID, proto.ItemSkipped, reason)
	}
}

// stop tells the item sequence whether to continue after a step.
type stop int

const (
	proceed stop = iota
	stopCancelled
	stopFatal
)

// spent reports whether err is the run running out of transitions.
func spent(err error) bool {
	return workflow.CodeOf(err) == workflow.CodeTransitionLimit
}

// classify folds a step's result and error: timeouts and panics become failed
// results, cancellation and fatal codes stop the item.
func classify(res workflow.Result, err error) (workflow.Result, stop, error) {
	if err != nil {
		code := workflow.CodeOf(err)
		switch {
		case code == workflow.CodeCancelled:
			return res, stopCancelled, nil
		case code.Fatal() || code == "":
			return res, stopFatal, err
		}
		if res.Success {
			res = workflow.FromError(err, workflow.CodeProviderFailure)
		}
		return res, proceed, nil
	}
	if cancelled(res) {
		return res, stopCancelled, nil
	}
	return res, proceed, nil
}

// runItem drives one item through selection, tool planning, execution,
// verification and replanning on a nested machine.
func (c *Coordinator) runItem(ctx context.Context, item workflow.Item) itemOutcome {
	sm := c.top.Child(proto.StateItemLoop, item.ID)
	ir := &ItemRun{Item: item, Attempt: max(item.Attempt, 1)}
	out := itemOutcome{itemID: item.ID}
	maxAttempts := c.settings.maxAttempts()

	ctx = logx.WithRunID(ctx, c.top.Context().RunID())
	logx.Debug(ctx, "engine", "item %s starting at attempt %d", item.ID, ir.Attempt)

	// step transitions and runs the state's handler.
	step := func(next proto.State) (workflow.Result, stop, error) {
		if err := sm.Transition(ctx, next); err != nil {
			return classify(workflow.FromError(err, workflow.CodeInvalidTransition), err)
		}
		snap := *ir
		return classify(sm.ExecuteHandlerWithTimeout(ctx, &snap, 0))
	}
	// end returns the nested machine to ITEM_LOOP and finalizes the outcome.
	end := func(status proto.ItemStatus, reason string) itemOutcome {
		out.status, out.reason, out.attempt = status, reason, ir.Attempt
		if err := sm.Transition(ctx, proto.StateItemLoop); err != nil {
			switch {
			case workflow.CodeOf(err) == workflow.CodeCancelled:
				out.cancelled = true
			case spent(err):
				out.exhausted = true // The item's own result stands
			default:
				out.err = err
			}
		}
		return out
	}
	halt := func(s stop, err error) itemOutcome {
		out.attempt = ir.Attempt
		switch {
		case s == stopCancelled:
			out.cancelled = true
		case spent(err):
			out.exhausted = true
			out.status, out.reason = proto.ItemFailed, reasonBudget
		default:
			out.err = err
		}
		return out
	}
	// retry bumps the attempt, or reports failure once the budget is spent.
	retry := func(why string) (itemOutcome, bool) {
		if ir.Attempt+1 > maxAttempts {
			return end(proto.ItemFailed, fmt.Sprintf("%s: %s", reasonMaxAttempts, why)), false
		}
		ir.Attempt++
		ir.Relaxed = true
		logx.Debug(ctx, "engine", "item %s retrying (attempt %d): %s", item.ID, ir.Attempt, why)
		return out, true
	}

	for {
		res, s, err := step(proto.StateServerSelection)
		if s != proceed {
			return halt(s, err)
		}
		if res.Success {
			ir.Selection, _ = workflow.PayloadAs[capability.Selection](res)
		} else {
			o, again := retry("server selection failed: " + res.Error.Error())
			if !again {
				return o
			}
			if err := sm.Transition(ctx, proto.StateItemLoop); err != nil {
				_, s, err = classify(workflow.Result{}, err)
				return halt(s, err)
			}
			continue
		}

		res, s, err = step(proto.StateToolPlanning)
		if s != proceed {
			return halt(s, err)
		}
		if !res.Success {
			o, again := retry("tool planning failed: " + res.Error.Error())
			if !again {
				return o
			}
			continue // TOOL_PLANNING → SERVER_SELECTION
		}
		ir.Plan, _ = workflow.PayloadAs[capability.ToolPlan](res)

		res, s, err = step(proto.StateExecution)
		if s != proceed {
			return halt(s, err)
		}
		if res.Success {
			ir.Report, _ = workflow.PayloadAs[capability.ExecutionReport](res)
		} else {
			ir.Report = capability.ExecutionReport{Failed: true, Error: res.Error.Error()}
		}
		out.execution = ir.Report

		res, s, err = step(proto.StateVerification)
		if s != proceed {
			return halt(s, err)
		}
		if res.Success {
			ir.Verification, _ = workflow.PayloadAs[capability.Verification](res)
		} else {
			ir.Verification = capability.Verification{Reason: res.Error.Error()}
		}
		out.verification = ir.Verification
		if ir.Verification.Passed {
			return end(proto.ItemCompleted, ir.Verification.Reason)
		}

		res, s, err = step(proto.StateReplan)
		if s != proceed {
			return halt(s, err)
		}
		if res.Success {
			ir.Decision, _ = workflow.PayloadAs[capability.ReplanDecision](res)
		} else {
			ir.Decision = capability.ReplanDecision{Strategy: proto.StrategyRetry, Reason: res.Error.Error()}
		}

		switch ir.Decision.Strategy {
		case proto.StrategyReplanned:
			if len(ir.Decision.NewItems) == 0 {
				return end(proto.ItemSkipped, "replan produced no items")
			}
			if limit := c.settings.maxReplanDepth(); item.Depth >= limit {
				return end(proto.ItemFailed, fmt.Sprintf("replan depth limit of %d reached", limit))
			}
			out.children = ir.Decision.NewItems
			return end(proto.ItemReplanned, ir.Decision.Reason)
		case proto.StrategySkipAndContinue:
			return end(proto.ItemSkipped, ir.Decision.Reason)
		default:
			why := "verification failed"
			if ir.Verification.Reason != "" {
				why += ": " + ir.Verification.Reason
			}
			o, again := retry(why)
			if !again {
				return o
			}
			// REPLAN → SERVER_SELECTION
		}
	}
}
