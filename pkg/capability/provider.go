// Package capability defines the contract between workflow handlers and the
// external collaborators that do the actual work: classifiers, planners,
// tool executors, verifiers and so on.
package capability

import (
	"context"
	"errors"
	"fmt"

	"stageflow/pkg/workflow"
)

// Kind names a capability.
type Kind string

const (
	KindClassifier  Kind = "classifier"
	KindChat        Kind = "chat"
	KindDevAnalyzer Kind = "dev_analyzer"
	KindEnricher    Kind = "enricher"
	KindPlanner     Kind = "planner"
	KindSelector    Kind = "selector"
	KindToolPlanner Kind = "tool_planner"
	KindExecutor    Kind = "executor"
	KindVerifier    Kind = "verifier"
	KindReplanner   Kind = "replanner"
	KindSummarizer  Kind = "summarizer"
)

// Provider performs one capability. Execute must honor ctx cancellation and
// report failure through the Result rather than panicking.
type Provider interface {
	Kind() Kind
	Execute(ctx context.Context, run *workflow.Context, input any) workflow.Result
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc struct {
	kind Kind
	fn   func(ctx context.Context, run *workflow.Context, input any) workflow.Result
}

// NewFunc creates a Provider of the given kind from fn.
func NewFunc(kind Kind, fn func(ctx context.Context, run *workflow.Context, input any) workflow.Result) *ProviderFunc {
	return &ProviderFunc{kind: kind, fn: fn}
}

func (p *ProviderFunc) Kind() Kind { return p.kind }

func (p *ProviderFunc) Execute(ctx context.Context, run *workflow.Context, input any) workflow.Result {
	return p.fn(ctx, run, input)
}

// Typed adapts a strongly typed function into a Provider. Inputs of the wrong
// type fail with PROVIDER_FAILURE; returned errors become failed results.
func Typed[In, Out any](kind Kind, fn func(ctx context.Context, run *workflow.Context, in In) (Out, error)) *ProviderFunc {
	return NewFunc(kind, func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
		in, ok := input.(In)
		if !ok {
			if p, isPtr := input.(*In); isPtr && p != nil {
				in = *p
			} else {
				var zero In
				return workflow.Failf(workflow.CodeProviderFailure, "%s: input is %T, want %T", kind, input, zero)
			}
		}
		out, err := fn(ctx, run, in)
		if err != nil {
			return workflow.Result{Error: ErrorFromCall(ctx, err)}
		}
		return workflow.Ok(out)
	})
}

// ErrorFromCall classifies a provider error, mapping context expiry to
// PROVIDER_TIMEOUT and cancellation to CANCELLED.
func ErrorFromCall(ctx context.Context, err error) *workflow.Error {
	var we *workflow.Error
	if errors.As(err, &we) {
		return we
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return workflow.WrapError(workflow.CodeProviderTimeout, err, "provider deadline exceeded")
	case errors.Is(err, context.Canceled) || (ctx != nil && ctx.Err() == context.Canceled):
		return workflow.WrapError(workflow.CodeCancelled, err, "provider call cancelled")
	default:
		return workflow.WrapError(workflow.CodeProviderFailure, err, "provider call failed")
	}
}

// Call invokes p and guarantees a normalized result. A nil provider fails with
// PROCESSOR_NOT_FOUND and a panicking provider with PROVIDER_FAILURE.
func Call(ctx context.Context, p Provider, run *workflow.Context, input any) (result workflow.Result) {
	if p == nil {
		return workflow.Failf(workflow.CodeProcessorNotFound, "no provider configured")
	}
	if err := ctx.Err(); err != nil {
		return workflow.Result{Error: ErrorFromCall(ctx, err)}
	}
	defer func() {
		if r := recover(); r != nil {
			result = workflow.Failf(workflow.CodeProviderFailure, "%s provider panicked: %v", p.Kind(), r)
		}
	}()
	return p.Execute(ctx, run, input).Normalize()
}

// Middleware decorates a Provider.
type Middleware func(next Provider) Provider

// Chain applies middlewares so that the first one listed is the outermost.
func Chain(p Provider, mws ...Middleware) Provider {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			p = mws[i](p)
		}
	}
	return p
}

// Set bundles one provider per capability kind.
type Set struct {
	Classifier  Provider
	Chat        Provider
	DevAnalyzer Provider
	Enricher    Provider
	Planner     Provider
	Selector    Provider
	ToolPlanner Provider
	Executor    Provider
	Verifier    Provider
	Replanner   Provider
	Summarizer  Provider
}

func (s *Set) fields() []*Provider {
	return []*Provider{
		&s.Classifier, &s.Chat, &s.DevAnalyzer, &s.Enricher, &s.Planner, &s.Selector,
		&s.ToolPlanner, &s.Executor, &s.Verifier, &s.Replanner, &s.Summarizer,
	}
}

// Wrap returns a copy of the set with every non-nil provider decorated.
func (s Set) Wrap(mws ...Middleware) Set {
	out := s
	for _, p := range out.fields() {
		if *p != nil {
			*p = Chain(*p, mws...)
		}
	}
	return out
}

// Missing returns the kinds with no provider.
func (s Set) Missing() []Kind {
	var missing []Kind
	kinds := []Kind{
		KindClassifier, KindChat, KindDevAnalyzer, KindEnricher, KindPlanner, KindSelector,
		KindToolPlanner, KindExecutor, KindVerifier, KindReplanner, KindSummarizer,
	}
	for i, p := range s.fields() {
		if *p == nil {
			missing = append(missing, kinds[i])
		}
	}
	return missing
}

// Merge fills nil providers in s from fallback.
func (s Set) Merge(fallback Set) Set {
	out := s
	fb := fallback.fields()
	for i, p := range out.fields() {
		if *p == nil {
			*p = *fb[i]
		}
	}
	return out
}

func (k Kind) String() string { return string(k) }

// Describe is used in log lines.
func Describe(p Provider) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%T)", p.Kind(), p)
}
