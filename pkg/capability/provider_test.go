package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/workflow"
)

func TestTypedProvider(t *testing.T) {
	p := Typed(KindClassifier, func(_ context.Context, _ *workflow.Context, in ClassifyInput) (Classification, error) {
		return Classification{Mode: "task", Confidence: 0.8}, nil
	})
	assert.Equal(t, KindClassifier, p.Kind())

	res := Call(context.Background(), p, nil, ClassifyInput{Request: "do it"})
	require.True(t, res.Success)
	c, err := workflow.PayloadAs[Classification](res)
	require.NoError(t, err)
	assert.Equal(t, "task", c.Mode)

	res = Call(context.Background(), p, nil, &ClassifyInput{Request: "ptr"})
	assert.True(t, res.Success)

	res = Call(context.Background(), p, nil, "wrong input")
	assert.False(t, res.Success)
	assert.Equal(t, workflow.CodeProviderFailure, res.Error.Code)
}

func TestTypedErrorMapping(t *testing.T) {
	timeoutProvider := Typed(KindPlanner, func(context.Context, *workflow.Context, PlanInput) (TodoPlan, error) {
		return TodoPlan{}, context.DeadlineExceeded
	})
	res := Call(context.Background(), timeoutProvider, nil, PlanInput{})
	assert.Equal(t, workflow.CodeProviderTimeout, res.Error.Code)

	failing := Typed(KindPlanner, func(context.Context, *workflow.Context, PlanInput) (TodoPlan, error) {
		return TodoPlan{}, errors.New("bad gateway")
	})
	res = Call(context.Background(), failing, nil, PlanInput{})
	assert.Equal(t, workflow.CodeProviderFailure, res.Error.Code)
}

func TestCallGuards(t *testing.T) {
	res := Call(context.Background(), nil, nil, nil)
	assert.Equal(t, workflow.CodeProcessorNotFound, res.Error.Code)

	panicky := NewFunc(KindVerifier, func(context.Context, *workflow.Context, any) workflow.Result {
		panic("verifier exploded")
	})
	res = Call(context.Background(), panicky, nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, workflow.CodeProviderFailure, res.Error.Code)

	silent := NewFunc(KindVerifier, func(context.Context, *workflow.Context, any) workflow.Result {
		return workflow.Result{}
	})
	res = Call(context.Background(), silent, nil, nil)
	require.NotNil(t, res.Error, "failed results are normalized")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = Call(ctx, silent, nil, nil)
	assert.Equal(t, workflow.CodeCancelled, res.Error.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Provider) Provider {
			return NewFunc(next.Kind(), func(ctx context.Context, run *workflow.Context, in any) workflow.Result {
				order = append(order, name)
				return next.Execute(ctx, run, in)
			})
		}
	}
	base := NewFunc(KindChat, func(context.Context, *workflow.Context, any) workflow.Result {
		order = append(order, "base")
		return workflow.Ok(nil)
	})

	Chain(base, tag("outer"), nil, tag("inner")).Execute(context.Background(), nil, nil)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}

func TestSetHelpers(t *testing.T) {
	chat := NewFunc(KindChat, func(context.Context, *workflow.Context, any) workflow.Result { return workflow.Ok(nil) })
	s := Set{Chat: chat}
	assert.Len(t, s.Missing(), 10)

	full := s.Merge(Set{Classifier: chat, Planner: chat})
	assert.Len(t, full.Missing(), 8)
	assert.Same(t, chat, full.Chat.(*ProviderFunc))

	calls := 0
	wrapped := full.Wrap(func(next Provider) Provider {
		calls++
		return next
	})
	assert.Equal(t, 3, calls)
	assert.NotNil(t, wrapped.Planner)
}
