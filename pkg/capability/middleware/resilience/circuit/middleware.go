package circuit

import (
	"context"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

// OpenError builds the CIRCUIT_OPEN error reported while a breaker rejects calls.
func OpenError(key string, state State) *workflow.Error {
	return workflow.NewError(workflow.CodeCircuitOpen, "circuit breaker for %s is %s", key, state).
		WithMetadata("service", key).
		WithMetadata("state", state.String())
}

// Countable reports whether a result should count toward the breaker.
// Cancellations say nothing about the health of the downstream service.
func Countable(res workflow.Result) bool {
	return res.Success || res.Error == nil || res.Error.Code != workflow.CodeCancelled
}

// Middleware rejects calls with CIRCUIT_OPEN while the breaker is open.
func Middleware(breaker Breaker) capability.Middleware {
	return func(next capability.Provider) capability.Provider {
		kind := next.Kind()
		return capability.NewFunc(kind, func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
			if !breaker.Allow() {
				return workflow.Fail(OpenError(string(kind), breaker.State()))
			}

			res := next.Execute(ctx, run, input).Normalize()
			if Countable(res) {
				breaker.Record(res.Success)
			}
			return res
		})
	}
}
