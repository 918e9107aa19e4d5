// Package logging provides provider call logging middleware.
package logging

import (
	"context"
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/logx"
	"stageflow/pkg/workflow"
)

// Middleware logs failed provider calls at warn level and every call at
// debug level under the "provider" domain.
func Middleware(logger *logx.Logger) capability.Middleware {
	return func(next capability.Provider) capability.Provider {
		kind := next.Kind()
		return capability.NewFunc(kind, func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
			start := time.Now()
			res := next.Execute(ctx, run, input).Normalize()
			elapsed := time.Since(start)

			if res.Success {
				logx.Debug(ctx, "provider", "%s succeeded in %s", kind, elapsed)
				return res
			}
			if res.Error.Code == workflow.CodeCancelled {
				logx.Debug(ctx, "provider", "%s cancelled after %s", kind, elapsed)
				return res
			}
			logger.Warn("%s provider failed after %s: %v", kind, elapsed.Round(time.Millisecond), res.Error)
			return res
		})
	}
}
