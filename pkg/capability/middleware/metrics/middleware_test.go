package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stageflow/pkg/capability"
	stagemetrics "stageflow/pkg/metrics"
	"stageflow/pkg/workflow"
)

type call struct {
	kind    string
	success bool
	code    string
}

type recordingRecorder struct {
	stagemetrics.NoopRecorder
	calls []call
}

func (r *recordingRecorder) ObserveProvider(kind string, success bool, code string, _ time.Duration) {
	r.calls = append(r.calls, call{kind, success, code})
}

var _ stagemetrics.Recorder = (*recordingRecorder)(nil)

func TestMiddlewareRecordsOutcome(t *testing.T) {
	rec := &recordingRecorder{}
	ok := capability.NewFunc(capability.KindVerifier, func(context.Context, *workflow.Context, any) workflow.Result {
		return workflow.Ok(capability.Verification{Passed: true})
	})
	bad := capability.NewFunc(capability.KindReplanner, func(context.Context, *workflow.Context, any) workflow.Result {
		return workflow.Failf(workflow.CodeQueueFull, "busy")
	})

	capability.Chain(ok, Middleware(rec)).Execute(context.Background(), nil, nil)
	capability.Chain(bad, Middleware(rec)).Execute(context.Background(), nil, nil)

	assert.Equal(t, []call{
		{"verifier", true, ""},
		{"replanner", false, "QUEUE_FULL"},
	}, rec.calls)
}
