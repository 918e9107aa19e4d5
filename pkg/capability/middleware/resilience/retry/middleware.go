package retry

import (
	"context"
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

// Middleware retries failed provider calls according to policy, with
// exponential backoff between attempts. The last failure is returned with
// the attempt count in its metadata.
func Middleware(policy *Policy) capability.Middleware {
	return func(next capability.Provider) capability.Provider {
		return capability.NewFunc(next.Kind(), func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
			var last workflow.Result

			for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
				if attempt > 1 {
					if delay := policy.CalculateDelay(attempt); delay > 0 {
						timer := time.NewTimer(delay)
						select {
						case <-ctx.Done():
							timer.Stop()
							return workflow.Fail(capability.ErrorFromCall(ctx, ctx.Err()))
						case <-timer.C:
						}
					}
				}

				last = next.Execute(ctx, run, input).Normalize()
				if last.Success {
					return last
				}
				if !policy.ShouldRetry(last.Error) || ctx.Err() != nil {
					break
				}
			}

			if last.Error != nil && policy.ShouldRetry(last.Error) {
				last.Error.WithMetadata("attempts", policy.Config.MaxAttempts)
			}
			return last
		})
	}
}
