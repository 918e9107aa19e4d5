// Package metrics provides provider call metrics middleware.
package metrics

import (
	"context"
	"time"

	"stageflow/pkg/capability"
	stagemetrics "stageflow/pkg/metrics"
	"stageflow/pkg/workflow"
)

// Middleware records latency and outcome of every provider call.
func Middleware(recorder stagemetrics.Recorder) capability.Middleware {
	return func(next capability.Provider) capability.Provider {
		kind := string(next.Kind())
		return capability.NewFunc(next.Kind(), func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
			start := time.Now()
			res := next.Execute(ctx, run, input).Normalize()

			code := ""
			if res.Error != nil {
				code = string(res.Error.Code)
			}
			recorder.ObserveProvider(kind, res.Success, code, time.Since(start))
			return res
		})
	}
}
