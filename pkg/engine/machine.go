package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stageflow/pkg/logx"
	"stageflow/pkg/metrics"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

const (
	// DefaultStateTimeout bounds a handler when no per-state timeout is configured.
	DefaultStateTimeout = 30 * time.Second
	// BaseTransitions is the automatic budget before the TODO list exists.
	// It covers the top-level path from WORKFLOW_START into ITEM_LOOP.
	BaseTransitions = 16
	// TransitionsPerAttempt bounds one pass of the per-item sequence.
	TransitionsPerAttempt = 6
)

// Publisher receives events after every transition. Implementations must not
// block; notify.Dispatcher is the production implementation.
type Publisher interface {
	Publish(event proto.Event)
}

// TransitionLog persists transition records in append-only order.
type TransitionLog interface {
	AppendTransition(ctx context.Context, rec workflow.TransitionRecord) error
}

// journal is the run-wide transition history shared by the top-level machine
// and the nested item machines.
type journal struct {
	mu      sync.Mutex
	records []workflow.TransitionRecord
	limit   int  // Zero means unbounded
	auto    bool // limit grows with the TODO list

	publisher Publisher
	recorder  metrics.Recorder
	log       TransitionLog
	logger    *logx.Logger
	timeouts  func(proto.State) time.Duration
	now       func() time.Time
}

// append assigns the next sequence number, or fails once the budget is spent.
// Wrap-up transitions are always admitted so a run can still report.
func (j *journal) append(rec workflow.TransitionRecord) (workflow.TransitionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	wrapUp := rec.To == proto.StateFinalSummary || rec.To == proto.StateWorkflowEnd
	if !wrapUp && j.limit > 0 && len(j.records) >= j.limit {
		return rec, workflow.NewError(workflow.CodeTransitionLimit,
			"transition budget of %d exhausted", j.limit).
			WithMetadata("limit", j.limit)
	}
	rec.Seq = len(j.records) + 1
	j.records = append(j.records, rec)
	return rec, nil
}

// grant widens an automatic budget for items that may each make up to
// attempts passes. Fixed and disabled budgets are left alone.
func (j *journal) grant(items, attempts int) {
	if items <= 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.auto {
		j.limit += items * (max(attempts, 1)*TransitionsPerAttempt + 1)
	}
}

func (j *journal) snapshot() []workflow.TransitionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]workflow.TransitionRecord(nil), j.records...)
}

// MachineOption configures a StateMachine.
type MachineOption func(*journal)

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) MachineOption {
	return func(j *journal) { j.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) MachineOption {
	return func(j *journal) {
		if r != nil {
			j.recorder = r
		}
	}
}

// WithTransitionLog sets the persisted transition log.
func WithTransitionLog(l TransitionLog) MachineOption {
	return func(j *journal) { j.log = l }
}

// WithMaxTransitions sets the transition budget. A positive n is a fixed
// cap, zero sizes the budget from the TODO list and a negative n disables it.
func WithMaxTransitions(n int) MachineOption {
	return func(j *journal) {
		switch {
		case n > 0:
			j.limit, j.auto = n, false
		case n == 0:
			j.limit, j.auto = BaseTransitions, true
		default:
			j.limit, j.auto = 0, false
		}
	}
}

// WithStateTimeouts sets the per-state default handler timeout.
func WithStateTimeouts(fn func(proto.State) time.Duration) MachineOption {
	return func(j *journal) {
		if fn != nil {
			j.timeouts = fn
		}
	}
}

// WithLogger sets the machine logger.
func WithLogger(l *logx.Logger) MachineOption {
	return func(j *journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(j *journal) {
		if now != nil {
			j.now = now
		}
	}
}

// StateMachine guards state changes for one run (or one item of a run) and
// dispatches the handler registered for the current state.
type StateMachine struct {
	mu       sync.Mutex
	current  proto.State
	itemID   string
	run      *workflow.Context
	registry *Registry
	journal  *journal
}

// NewStateMachine creates the top-level machine of a run in WORKFLOW_START.
func NewStateMachine(run *workflow.Context, registry *Registry, opts ...MachineOption) *StateMachine {
	j := &journal{
		limit:    BaseTransitions,
		auto:     true,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("engine"),
		timeouts: func(proto.State) time.Duration { return DefaultStateTimeout },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return &StateMachine{
		current:  proto.StateWorkflowStart,
		run:      run,
		registry: registry,
		journal:  j,
	}
}

// Child creates a nested machine for one item. It shares the run's history,
// budget and sinks, and tags its records with itemID.
func (sm *StateMachine) Child(initial proto.State, itemID string) *StateMachine {
	return &StateMachine{
		current:  initial,
		itemID:   itemID,
		run:      sm.run,
		registry: sm.registry,
		journal:  sm.journal,
	}
}

// CurrentState returns the current state.
func (sm *StateMachine) CurrentState() proto.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// ItemID returns the item a nested machine works on, empty for the top level.
func (sm *StateMachine) ItemID() string {
	return sm.itemID
}

// Allowed returns the states reachable from the current state.
func (sm *StateMachine) Allowed() []proto.State {
	return AllowedFrom(sm.CurrentState())
}

// History returns the run's transition records in execution order, including
// those of nested item machines.
func (sm *StateMachine) History() []workflow.TransitionRecord {
	return sm.journal.snapshot()
}

// Context returns the run context.
func (sm *StateMachine) Context() *workflow.Context {
	return sm.run
}

// Transition moves the machine to next. On failure the state is unchanged.
func (sm *StateMachine) Transition(ctx context.Context, next proto.State) error {
	if err := ctx.Err(); err != nil {
		return workflow.WrapError(workflow.CodeCancelled, err, "transition to %s cancelled", next)
	}
	if !next.IsValid() {
		return workflow.NewError(workflow.CodeInvalidState, "unknown state %q", next).
			WithMetadata("attemptedState", next)
	}

	sm.mu.Lock()
	from := sm.current
	if !IsAllowed(from, next) {
		sm.mu.Unlock()
		return workflow.NewError(workflow.CodeInvalidTransition, "cannot transition from %s to %s", from, next).
			WithMetadata("currentState", from).
			WithMetadata("attemptedState", next).
			WithMetadata("allowedTransitions", AllowedFrom(from))
	}
	rec, err := sm.journal.append(workflow.TransitionRecord{
		RunID:     sm.run.RunID(),
		From:      from,
		To:        next,
		Timestamp: sm.journal.now().UTC(),
		ItemID:    sm.itemID,
	})
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.current = next
	sm.mu.Unlock()

	sm.afterTransition(ctx, rec)
	return nil
}

// afterTransition fans a record out to the logger, publisher, metrics and the
// persisted log. None of these can fail the transition.
func (sm *StateMachine) afterTransition(ctx context.Context, rec workflow.TransitionRecord) {
	j := sm.journal
	if rec.ItemID != "" {
		j.logger.Info("🔄 [%s] %s → %s", rec.ItemID, rec.From, rec.To)
	} else {
		j.logger.Info("🔄 %s → %s", rec.From, rec.To)
	}
	logx.DebugFlow(ctx, "engine", "transition", string(rec.To), "seq="+fmt.Sprint(rec.Seq))

	if j.publisher != nil {
		j.publisher.Publish(proto.NewTransitionEvent(rec.RunID, rec.From, rec.To, rec.ItemID, rec.Timestamp))
	}
	j.recorder.ObserveTransition(rec.From, rec.To)
	if j.log != nil {
		if err := j.log.AppendTransition(context.WithoutCancel(ctx), rec); err != nil {
			j.logger.Warn("failed to persist transition %d for run %s: %v", rec.Seq, rec.RunID, err)
		}
	}
}

// ExecuteHandler runs the handler registered for the current state. The
// returned Result is always normalized. A non-nil error means the handler
// itself misbehaved (missing handler, invalid context, panic) and is wrapped
// with the failing state's name.
func (sm *StateMachine) ExecuteHandler(ctx context.Context, data any) (workflow.Result, error) {
	state := sm.CurrentState()
	handler, err := sm.registry.Get(state)
	if err != nil {
		return workflow.FromError(err, workflow.CodeHandlerNotFound), err
	}

	if err := handler.Validate(sm.run); err != nil {
		sm.logHandlerError(state, err)
		return workflow.FromError(err, workflow.CodeInvalidContext), fmt.Errorf("%s handler: %w", state, err)
	}

	start := sm.journal.now()
	res, err := sm.safeExecute(ctx, handler, data)
	res = res.Normalize()
	sm.journal.recorder.ObserveHandler(state, err == nil && res.Success, sm.journal.now().Sub(start))

	if err != nil {
		sm.logHandlerError(state, err)
		if res.Success {
			res = workflow.FromError(err, workflow.CodeProviderFailure)
		}
		return res, fmt.Errorf("%s handler: %w", state, err)
	}
	return res, nil
}

func (sm *StateMachine) safeExecute(ctx context.Context, h Handler, data any) (res workflow.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			werr := workflow.NewError(workflow.CodeProviderFailure, "handler panicked: %v", r)
			res, err = workflow.Fail(werr), werr
		}
	}()
	return h.Execute(ctx, sm.run, data)
}

func (sm *StateMachine) logHandlerError(state proto.State, err error) {
	l := sm.journal.logger
	if sm.itemID != "" {
		l = l.With("item_id", sm.itemID)
	}
	l.Error("%s handler failed: %v (context: %v)", state, err, sm.run.Snapshot())
}

// timeoutFor returns d, or the configured timeout for state when d <= 0.
func (sm *StateMachine) timeoutFor(state proto.State, d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if d = sm.journal.timeouts(state); d > 0 {
		return d
	}
	return DefaultStateTimeout
}

type handlerOutcome struct {
	res workflow.Result
	err error
}

// commitGate orders a handler's writes to the run against the machine
// giving up on that handler.
type commitGate struct {
	mu        sync.Mutex
	closed    bool
	committed bool
}

type gateKey struct{}

// close stops further commits and reports whether one already happened.
func (g *commitGate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.committed
}

// commit applies fn to the run unless ctx is done or the machine has stopped
// waiting for the handler. It reports whether fn ran.
func commit(ctx context.Context, fn func()) bool {
	g, _ := ctx.Value(gateKey{}).(*commitGate)
	if g != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			return false
		}
	}
	if ctx.Err() != nil {
		return false
	}
	fn()
	if g != nil {
		g.committed = true
	}
	return true
}

// late is what a handler returns when its result can no longer be committed.
func late(ctx context.Context, state proto.State) (workflow.Result, error) {
	code := workflow.CodeHandlerTimeout
	if errors.Is(ctx.Err(), context.Canceled) {
		code = workflow.CodeCancelled
	}
	cause := ctx.Err()
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return workflow.Fail(workflow.WrapError(code, cause, "%s result discarded after its deadline", state)), nil
}

// await waits for a handler started under tctx. When tctx ends first the
// gate is closed so the handler cannot touch the run afterwards, unless it
// already has, in which case its result is taken as final.
func await(tctx context.Context, gate *commitGate, done <-chan handlerOutcome) (handlerOutcome, bool) {
	select {
	case out := <-done:
		return out, true
	case <-tctx.Done():
		if gate.close() {
			return <-done, true
		}
		return handlerOutcome{}, false
	}
}

// ExecuteHandlerWithTimeout runs ExecuteHandler under a deadline. On expiry
// it returns HANDLER_TIMEOUT and the state is unchanged. A handler still
// running after the deadline can no longer write to the run. A d <= 0 uses
// the configured timeout for the current state.
func (sm *StateMachine) ExecuteHandlerWithTimeout(ctx context.Context, data any, d time.Duration) (workflow.Result, error) {
	state := sm.CurrentState()
	d = sm.timeoutFor(state, d)

	gate := &commitGate{}
	tctx, cancel := context.WithTimeout(context.WithValue(ctx, gateKey{}, gate), d)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		res, err := sm.ExecuteHandler(tctx, data)
		done <- handlerOutcome{res: res, err: err}
	}()

	out, finished := await(tctx, gate, done)
	if finished {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && !out.res.Success {
			werr := handlerTimeout(state, d)
			return workflow.Fail(werr), werr
		}
		return out.res, out.err
	}
	if err := ctx.Err(); err != nil {
		werr := workflow.WrapError(workflow.CodeCancelled, err, "%s handler cancelled", state)
		return workflow.Fail(werr), werr
	}
	werr := handlerTimeout(state, d)
	sm.journal.logger.Warn("%s handler timed out after %v", state, d)
	return workflow.Fail(werr), werr
}

func handlerTimeout(state proto.State, d time.Duration) *workflow.Error {
	return workflow.NewError(workflow.CodeHandlerTimeout, "%s handler exceeded %v", state, d).
		WithMetadata("state", state).
		WithMetadata("timeout", d.String())
}

// TransitionWithTimeout performs a transition and runs the new state's
// handler under a single deadline. On expiry it returns TRANSITION_TIMEOUT.
func (sm *StateMachine) TransitionWithTimeout(ctx context.Context, next proto.State, data any, d time.Duration) (workflow.Result, error) {
	d = sm.timeoutFor(next, d)

	gate := &commitGate{}
	tctx, cancel := context.WithTimeout(context.WithValue(ctx, gateKey{}, gate), d)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		if err := sm.Transition(tctx, next); err != nil {
			done <- handlerOutcome{res: workflow.FromError(err, workflow.CodeInvalidTransition), err: err}
			return
		}
		res, err := sm.ExecuteHandler(tctx, data)
		done <- handlerOutcome{res: res, err: err}
	}()

	timedOut := func() (workflow.Result, error) {
		werr := workflow.NewError(workflow.CodeTransitionTimeout, "transition to %s exceeded %v", next, d).
			WithMetadata("attemptedState", next).
			WithMetadata("timeout", d.String())
		return workflow.Fail(werr), werr
	}

	out, finished := await(tctx, gate, done)
	if finished {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && !out.res.Success {
			return timedOut()
		}
		return out.res, out.err
	}
	if err := ctx.Err(); err != nil {
		werr := workflow.WrapError(workflow.CodeCancelled, err, "transition to %s cancelled", next)
		return workflow.Fail(werr), werr
	}
	return timedOut()
}
