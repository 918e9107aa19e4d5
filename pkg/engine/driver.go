package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/logx"
	"stageflow/pkg/metrics"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// ErrWorkflowAborted is matched by every error Run returns for a run that
// could not start or continue.
var ErrWorkflowAborted = errors.New("workflow aborted")

// Status is the overall result of a run.
type Status string

const (
	StatusCompleted Status = "completed" // Reached WORKFLOW_END; task runs carry a Summary
	StatusFailed    Status = "failed"    // CHAT or DEV provider failed
	StatusCancelled Status = "cancelled"
	StatusAborted   Status = "aborted" // Fatal error; see Outcome.Error
)

// Request starts a run.
type Request struct {
	Text      string
	SessionID string
}

// Outcome describes a finished run.
type Outcome struct {
	RunID     string                      `json:"run_id"`
	SessionID string                      `json:"session_id"`
	Status    Status                      `json:"status"`
	Mode      proto.Mode                  `json:"mode,omitempty"`
	Response  string                      `json:"response,omitempty"`
	Summary   *workflow.Summary           `json:"summary,omitempty"`
	Cancelled bool                        `json:"cancelled"`
	Error     error                       `json:"-"`
	History   []workflow.TransitionRecord `json:"history"`
	Duration  time.Duration               `json:"duration"`
}

// RunStore records runs and their transitions. persistence.Store implements it.
type RunStore interface {
	TransitionLog
	StartRun(ctx context.Context, run *workflow.Context) error
	FinishRun(ctx context.Context, run *workflow.Context, status string, summary *workflow.Summary) error
}

// Engine is the outer driver. It is safe for concurrent runs: each run gets
// its own Context, state machine and TODO list.
type Engine struct {
	registry  *Registry
	settings  Settings
	publisher Publisher
	recorder  metrics.Recorder
	store     RunStore
	logger    *logx.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents publishes transition and item events.
func WithEvents(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records engine metrics.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithStore persists runs and transitions.
func WithStore(s RunStore) Option {
	return func(e *Engine) { e.store = s }
}

// New builds an engine with the default handlers over providers. It fails
// with UNKNOWN_MODE for an invalid fallback mode and with HANDLER_NOT_FOUND
// if the handler set is incomplete.
func New(providers capability.Set, settings Settings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	registry, err := NewRegistry(DefaultHandlers(providers, settings))
	if err != nil {
		return nil, err
	}
	return NewWithRegistry(registry, settings, opts...), nil
}

// NewWithRegistry builds an engine over a prepared registry. The handlers in
// registry carry their own settings, so only the driver reads these.
func NewWithRegistry(registry *Registry, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		settings: settings,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings returns the engine settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Run drives one request from WORKFLOW_START to WORKFLOW_END. Item failures
// and cancellation are reported in the Outcome; fatal errors are returned as
// an error matching ErrWorkflowAborted alongside an aborted Outcome.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	run := workflow.NewContext(req.Text, req.SessionID)
	ctx = logx.WithRunID(ctx, run.RunID())
	logger := e.logger.With("run_id", run.RunID())

	opts := []MachineOption{
		WithPublisher(e.publisher),
		WithRecorder(e.recorder),
		WithMaxTransitions(e.settings.MaxTransitions),
		WithStateTimeouts(e.settings.TimeoutFor),
		WithLogger(logger),
	}
	if e.store != nil {
		if err := e.store.StartRun(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("run will not be persisted: %v", err)
		} else {
			opts = append(opts, WithTransitionLog(e.store))
		}
	}

	d := &runDriver{
		engine: e,
		run:    run,
		sm:     NewStateMachine(run, e.registry, opts...),
		logger: logger,
		start:  time.Now(),
	}
	out := d.drive(ctx)
	return d.finish(ctx, out)
}

// runDriver holds one run's state while Run is in progress.
type runDriver struct {
	engine *Engine
	run    *workflow.Context
	sm     *StateMachine
	logger *logx.Logger
	start  time.Time
}

// interrupt is how a stage stops the normal flow.
type interrupt struct {
	cancelled bool
	err       error // Fatal
}

// step transitions to next and runs its handler. Timeouts and other
// recoverable handler errors are folded into the result.
func (d *runDriver) step(ctx context.Context, next proto.State) (workflow.Result, *interrupt) {
	if err := d.sm.Transition(ctx, next); err != nil {
		return workflow.FromError(err, workflow.CodeInvalidTransition), d.interruptFor(err)
	}
	return d.handle(ctx)
}

func (d *runDriver) handle(ctx context.Context) (workflow.Result, *interrupt) {
	res, err := d.sm.ExecuteHandlerWithTimeout(ctx, nil, 0)
	if err != nil {
		if in := d.interruptFor(err); in != nil {
			return res, in
		}
	}
	if cancelled(res) {
		return res, &interrupt{cancelled: true}
	}
	return res, nil
}

func (d *runDriver) interruptFor(err error) *interrupt {
	code := workflow.CodeOf(err)
	switch {
	case code == workflow.CodeCancelled:
		return &interrupt{cancelled: true}
	case code.Fatal() || code == "":
		return &interrupt{err: err}
	default:
		return nil
	}
}

func (d *runDriver) drive(ctx context.Context) *Outcome {
	if _, in := d.handle(ctx); in != nil {
		return d.stopped(ctx, in)
	}

	res, in := d.step(ctx, proto.StateModeSelection)
	if in != nil {
		return d.stopped(ctx, in)
	}
	if !res.Success {
		return d.aborted(fmt.Errorf("mode selection failed: %w", res.Error))
	}

	next, _ := d.run.Mode().State()
	switch next {
	case proto.StateChat:
		return d.converse(ctx, proto.StateChat)
	case proto.StateDev:
		res, in := d.step(ctx, proto.StateDev)
		if in != nil {
			return d.stopped(ctx, in)
		}
		if res.Success {
			if analysis, err := workflow.PayloadAs[capability.DevAnalysis](res); err == nil && analysis.Escalate {
				d.logger.Info("dev request escalated to task: %s", analysis.Reason)
				return d.task(ctx)
			}
		}
		return d.end(ctx, res)
	default:
		return d.task(ctx)
	}
}

// converse runs a single-response mode and ends the run.
func (d *runDriver) converse(ctx context.Context, state proto.State) *Outcome {
	res, in := d.step(ctx, state)
	if in != nil {
		return d.stopped(ctx, in)
	}
	return d.end(ctx, res)
}

func (d *runDriver) end(ctx context.Context, res workflow.Result) *Outcome {
	if err := d.sm.Transition(ctx, proto.StateWorkflowEnd); err != nil {
		if in := d.interruptFor(err); in != nil {
			return d.stopped(ctx, in)
		}
	}
	out := &Outcome{Status: StatusCompleted}
	if !res.Success {
		out.Status = StatusFailed
		out.Error = res.Error
	}
	return out
}

// task runs the task pipeline through the item loop and final summary.
func (d *runDriver) task(ctx context.Context) *Outcome {
	if _, in := d.step(ctx, proto.StateTask); in != nil {
		return d.stopped(ctx, in)
	}

	res, in := d.step(ctx, proto.StateContextEnrichment)
	if in != nil {
		return d.stopped(ctx, in)
	}
	if !res.Success {
		d.logger.Warn("context enrichment failed, continuing without it: %v", res.Error)
	}

	res, in = d.step(ctx, proto.StateTodoPlanning)
	if in != nil {
		return d.stopped(ctx, in)
	}
	if !res.Success {
		d.logger.Error("planning failed: %v", res.Error)
		out := d.summarize(ctx, false)
		if out.Error == nil {
			out.Error = res.Error
		}
		return out
	}

	if _, in := d.step(ctx, proto.StateItemLoop); in != nil {
		return d.stopped(ctx, in)
	}
	wasCancelled, err := NewCoordinator(d.sm, d.engine.settings).Run(ctx)
	if err != nil {
		return d.aborted(err)
	}
	return d.summarize(ctx, wasCancelled)
}

// summarize runs FINAL_SUMMARY and WORKFLOW_END. The summary always runs,
// outside the caller's cancellation, so cancelled runs still report.
func (d *runDriver) summarize(ctx context.Context, wasCancelled bool) *Outcome {
	if wasCancelled || ctx.Err() != nil {
		wasCancelled = true
		d.run.MarkCancelled()
	}
	ctx = context.WithoutCancel(ctx)

	if _, in := d.step(ctx, proto.StateFinalSummary); in != nil && in.err != nil {
		return d.aborted(in.err)
	}
	if _, ok := d.run.Result().(*workflow.Summary); !ok {
		summary := Summarize(d.run, d.engine.settings)
		summary.Message = RenderMessage(summary, d.engine.settings.Templates)
		d.run.SetResult(&summary)
		d.run.SetResponse(summary.Message)
	}
	if err := d.sm.Transition(ctx, proto.StateWorkflowEnd); err != nil {
		return d.aborted(err)
	}

	out := &Outcome{Status: StatusCompleted}
	if wasCancelled {
		out.Status = StatusCancelled
	}
	return out
}

// stopped handles an interrupt raised outside the item loop.
func (d *runDriver) stopped(ctx context.Context, in *interrupt) *Outcome {
	if in.err != nil {
		return d.aborted(in.err)
	}
	if IsAllowed(d.sm.CurrentState(), proto.StateFinalSummary) {
		return d.summarize(ctx, true)
	}
	d.run.MarkCancelled()
	return &Outcome{Status: StatusCancelled}
}

func (d *runDriver) aborted(err error) *Outcome {
	d.logger.Error("run aborted in %s: %v", d.sm.CurrentState(), err)
	return &Outcome{Status: StatusAborted, Error: err}
}

// finish fills the outcome, records metrics and persists the run.
func (d *runDriver) finish(ctx context.Context, out *Outcome) (*Outcome, error) {
	e := d.engine
	out.RunID = d.run.RunID()
	out.SessionID = d.run.SessionID()
	out.Mode = d.run.Mode()
	out.Response = d.run.Response()
	out.Cancelled = d.run.Cancelled()
	out.History = d.sm.History()
	out.Duration = time.Since(d.start)
	if summary, ok := d.run.Result().(*workflow.Summary); ok {
		out.Summary = summary
	}

	e.recorder.ObserveRun(string(out.Mode), string(out.Status), out.Duration)
	if e.publisher != nil {
		event := proto.Event{
			Timestamp: time.Now().UTC(),
			Type:      proto.EventRunFinished,
			RunID:     out.RunID,
			State:     d.sm.CurrentState(),
			Status:    string(out.Status),
		}
		if out.Summary != nil {
			event.Metadata = map[string]any{"tier": out.Summary.Tier, "ratio": out.Summary.Ratio}
		}
		e.publisher.Publish(event)
	}
	if e.store != nil {
		if err := e.store.FinishRun(context.WithoutCancel(ctx), d.run, string(out.Status), out.Summary); err != nil {
			d.logger.Warn("failed to persist run outcome: %v", err)
		}
	}

	d.logger.Info("run finished: %s in %v", out.Status, out.Duration.Round(time.Millisecond))
	if out.Status == StatusAborted {
		return out, fmt.Errorf("%w: %w", ErrWorkflowAborted, out.Error)
	}
	return out, nil
}
