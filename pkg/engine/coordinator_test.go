package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/capability"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

func parallelSettings(workers int) Settings {
	s := testSettings()
	s.Parallel = true
	s.MaxWorkers = workers
	return s
}

func TestParallelRespectsWorkerLimit(t *testing.T) {
	var active, peak atomic.Int32
	providers := happyProviders(items("1", "2", "3", "4", "5", "6"))
	providers.Executor = capability.Typed(capability.KindExecutor, func(_ context.Context, _ *workflow.Context, _ capability.ExecuteInput) (capability.ExecutionReport, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		return capability.ExecutionReport{}, nil
	})

	out, err := newEngine(t, providers, parallelSettings(3)).Run(context.Background(), Request{Text: "fan out"})
	require.NoError(t, err)

	assert.Equal(t, 6, out.Summary.Counts.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
	assert.Equal(t, workflow.TierFullSuccess, out.Summary.Tier)
}

func TestParallelFailureBlocksDependents(t *testing.T) {
	var mu sync.Mutex
	executed := make(map[string]bool)

	plan := []workflow.ItemSpec{
		{ID: "a", Description: "flaky"},
		{ID: "b", Description: "needs a", Dependencies: []string{"a"}},
		{ID: "c", Description: "independent"},
		{ID: "d", Description: "needs b", Dependencies: []string{"b"}},
	}
	providers := happyProviders(plan)
	providers.Executor = capability.Typed(capability.KindExecutor, func(_ context.Context, _ *workflow.Context, in capability.ExecuteInput) (capability.ExecutionReport, error) {
		mu.Lock()
		executed[in.Item.ID] = true
		mu.Unlock()
		return capability.ExecutionReport{}, nil
	})
	providers.Verifier = capability.Typed(capability.KindVerifier, func(_ context.Context, _ *workflow.Context, in capability.VerifyInput) (capability.Verification, error) {
		return capability.Verification{Passed: in.Item.ID != "a"}, nil
	})
	providers.Replanner = capability.Typed(capability.KindReplanner, func(_ context.Context, _ *workflow.Context, _ capability.ReplanInput) (capability.ReplanDecision, error) {
		return capability.ReplanDecision{Strategy: proto.StrategyRetry}, nil
	})

	settings := parallelSettings(4)
	settings.MaxAttempts = 2
	out, err := newEngine(t, providers, settings).Run(context.Background(), Request{Text: "fan out"})
	require.NoError(t, err)

	assert.Equal(t, proto.ItemFailed, statusOf(t, out, "a").Status)
	assert.Equal(t, proto.ItemSkipped, statusOf(t, out, "b").Status)
	assert.Equal(t, "unresolvable dependencies", statusOf(t, out, "b").Reason)
	assert.Equal(t, proto.ItemSkipped, statusOf(t, out, "d").Status)
	assert.Equal(t, proto.ItemCompleted, statusOf(t, out, "c").Status)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, executed["b"])
	assert.False(t, executed["d"])
}

func TestParallelReplanChildrenRun(t *testing.T) {
	providers := happyProviders(items("1", "2"))
	providers.Verifier = capability.Typed(capability.KindVerifier, func(_ context.Context, _ *workflow.Context, in capability.VerifyInput) (capability.Verification, error) {
		return capability.Verification{Passed: in.Item.ID != "1"}, nil
	})
	providers.Replanner = capability.Typed(capability.KindReplanner, func(_ context.Context, _ *workflow.Context, _ capability.ReplanInput) (capability.ReplanDecision, error) {
		return capability.ReplanDecision{
			Strategy: proto.StrategyReplanned,
			NewItems: []workflow.ItemSpec{{ID: "x"}, {ID: "y", Dependencies: []string{"x"}}},
		}, nil
	})

	out, err := newEngine(t, providers, parallelSettings(2)).Run(context.Background(), Request{Text: "split"})
	require.NoError(t, err)

	assert.Equal(t, proto.ItemReplanned, statusOf(t, out, "1").Status)
	assert.Equal(t, proto.ItemCompleted, statusOf(t, out, "1.1").Status)
	assert.Equal(t, []string{"1.1"}, statusOf(t, out, "1.2").Dependencies)
	assert.Equal(t, proto.ItemCompleted, statusOf(t, out, "1.2").Status)
	assert.Equal(t, 3, out.Summary.Counts.Completed)
	assert.Equal(t, workflow.TierFullSuccess, out.Summary.Tier)
}

func TestParallelCancellationStopsNewWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	plan := []workflow.ItemSpec{
		{ID: "1"},
		{ID: "2"},
		{ID: "3", Dependencies: []string{"1", "2"}},
	}
	providers := happyProviders(plan)
	providers.Executor = capability.Typed(capability.KindExecutor, func(ctx context.Context, _ *workflow.Context, _ capability.ExecuteInput) (capability.ExecutionReport, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		<-ctx.Done()
		return capability.ExecutionReport{}, ctx.Err()
	})

	out, err := newEngine(t, providers, parallelSettings(2)).Run(ctx, Request{Text: "fan out"})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, out.Status)
	assert.True(t, out.Summary.Cancelled)
	assert.Equal(t, proto.ItemSkipped, statusOf(t, out, "1").Status)
	assert.Equal(t, proto.ItemSkipped, statusOf(t, out, "2").Status)
	assert.Equal(t, proto.ItemPending, statusOf(t, out, "3").Status)
	assert.NotContains(t, itemOrder(out.History), "3")
}

func TestSummarizeCountsAndTiers(t *testing.T) {
	run := workflow.NewContext("req", "")
	tl, err := workflow.BuildTodoList(items("1", "2", "3", "4"))
	require.NoError(t, err)
	require.NoError(t, tl.SetStatus("1", proto.ItemCompleted, ""))
	require.NoError(t, tl.SetStatus("2", proto.ItemCompleted, ""))
	require.NoError(t, tl.SetStatus("3", proto.ItemFailed, "boom"))
	require.NoError(t, tl.SetStatus("4", proto.ItemSkipped, ""))
	run.SetTodoList(tl)

	s := Summarize(run, testSettings())
	assert.Equal(t, 4, s.Counts.Total)
	assert.InDelta(t, 0.5, s.Ratio, 1e-9)
	assert.Equal(t, workflow.TierPartial, s.Tier)
	assert.Len(t, s.Items, 4)

	empty := Summarize(workflow.NewContext("req", ""), testSettings())
	assert.Equal(t, 0, empty.Counts.Total)
	assert.Equal(t, workflow.TierFailure, empty.Tier)
}

func TestRenderMessage(t *testing.T) {
	partial := workflow.Summary{
		Counts: workflow.Counts{Total: 4, Completed: 2, Failed: 1, Skipped: 1},
		Ratio:  0.5,
		Tier:   workflow.TierPartial,
	}

	tests := []struct {
		name      string
		summary   workflow.Summary
		templates map[workflow.Tier]string
		want      string
	}{
		{
			name:    "built-in partial",
			summary: partial,
			want:    "Completed 2 of 4 items (50%); 1 failed, 1 skipped.",
		},
		{
			name:      "configured template",
			summary:   partial,
			templates: map[workflow.Tier]string{workflow.TierPartial: "{{.Percent}}% done"},
			want:      "50% done",
		},
		{
			name:      "broken template falls back",
			summary:   partial,
			templates: map[workflow.Tier]string{workflow.TierPartial: "{{.Nope"},
			want:      "Completed 2 of 4 items (50%); 1 failed, 1 skipped.",
		},
		{
			name: "cancelled prefix",
			summary: workflow.Summary{
				Counts:    workflow.Counts{Total: 1, Completed: 1},
				Ratio:     1,
				Tier:      workflow.TierFullSuccess,
				Cancelled: true,
			},
			want: "Run cancelled. All 1 items completed successfully.",
		},
		{
			name: "replanned items excluded",
			summary: workflow.Summary{
				Counts: workflow.Counts{Total: 3, Completed: 1, Failed: 1, Replanned: 1},
				Ratio:  0.5,
				Tier:   workflow.TierPartial,
			},
			want: "Completed 1 of 2 items (50%); 1 failed, 0 skipped.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderMessage(tt.summary, tt.templates))
		})
	}
}

func TestParallelSpentBudgetLetsWorkersFinish(t *testing.T) {
	settings := parallelSettings(4)
	settings.MaxTransitions = 12
	out, err := newEngine(t, happyProviders(items("1", "2", "3", "4", "5", "6")), settings).Run(context.Background(), Request{Text: "fan out"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.False(t, out.Cancelled)

	counts := out.Summary.Counts
	assert.Zero(t, counts.Pending)
	assert.Zero(t, counts.InProgress)
	assert.Less(t, counts.Completed, 6)
	assert.Equal(t, 6, counts.Completed+counts.Failed+counts.Skipped)
	for _, it := range out.Summary.Items {
		if it.Status != proto.ItemCompleted {
			assert.Equal(t, reasonBudget, it.Reason, it.ID)
		}
	}
	history := topLevel(out.History)
	assert.Equal(t, []proto.State{proto.StateFinalSummary, proto.StateWorkflowEnd}, history[len(history)-2:])
}
