// Package timeout provides per-call timeout middleware for capability providers.
package timeout

import (
	"context"
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

// Middleware bounds each provider call to duration. The call runs with a
// derived deadline context; if it has not returned when the deadline passes,
// PROVIDER_TIMEOUT is reported without waiting further. Cancellation of the
// parent context is reported as CANCELLED.
func Middleware(duration time.Duration) capability.Middleware {
	return func(next capability.Provider) capability.Provider {
		if duration <= 0 {
			return next
		}
		kind := next.Kind()
		return capability.NewFunc(kind, func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
			timeoutCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			done := make(chan workflow.Result, 1)
			go func() {
				done <- capability.Call(timeoutCtx, next, run, input)
			}()

			select {
			case res := <-done:
				if !res.Success {
					if ctx.Err() != nil {
						return workflow.Fail(capability.ErrorFromCall(ctx, ctx.Err()))
					}
					if timeoutCtx.Err() == context.DeadlineExceeded {
						return workflow.Fail(timeoutError(kind, duration))
					}
				}
				return res
			case <-timeoutCtx.Done():
				if ctx.Err() != nil {
					return workflow.Fail(capability.ErrorFromCall(ctx, ctx.Err()))
				}
				return workflow.Fail(timeoutError(kind, duration))
			}
		})
	}
}

func timeoutError(kind capability.Kind, d time.Duration) *workflow.Error {
	return workflow.NewError(workflow.CodeProviderTimeout, "%s provider exceeded %s", kind, d).
		WithMetadata("timeout", d.String())
}
