package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}, nil)

	assert.Equal(t, time.Duration(0), p.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(4), "capped at max delay")
}

func TestJitterStaysWithinTenPercent(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2, Jitter: true}, nil)
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(2)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(workflow.NewError(workflow.CodeProviderFailure, "x")))
	assert.True(t, ShouldRetry(workflow.NewError(workflow.CodeQueueFull, "x")))
	assert.True(t, ShouldRetry(workflow.NewError(workflow.CodeProviderTimeout, "x")))
	assert.False(t, ShouldRetry(workflow.NewError(workflow.CodeCircuitOpen, "x")))
	assert.False(t, ShouldRetry(workflow.NewError(workflow.CodeCancelled, "x")))
	assert.False(t, ShouldRetry(workflow.NewError(workflow.CodeInvalidContext, "x")))
	assert.False(t, ShouldRetry(nil))
}

func flaky(failures int, code workflow.Code) (capability.Provider, *int) {
	calls := 0
	return capability.NewFunc(capability.KindSelector, func(context.Context, *workflow.Context, any) workflow.Result {
		calls++
		if calls <= failures {
			return workflow.Failf(code, "attempt %d failed", calls)
		}
		return workflow.Ok("ok")
	}), &calls
}

func TestMiddlewareRetriesUntilSuccess(t *testing.T) {
	p, calls := flaky(2, workflow.CodeProviderFailure)
	policy := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)

	res := capability.Chain(p, Middleware(policy)).Execute(context.Background(), nil, nil)
	assert.True(t, res.Success)
	assert.Equal(t, 3, *calls)
}

func TestMiddlewareStopsOnNonRetryable(t *testing.T) {
	p, calls := flaky(5, workflow.CodeInvalidContext)
	policy := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)

	res := capability.Chain(p, Middleware(policy)).Execute(context.Background(), nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, 1, *calls)
}

func TestMiddlewareExhaustsAttempts(t *testing.T) {
	p, calls := flaky(5, workflow.CodeProviderFailure)
	policy := NewPolicy(Config{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)

	res := capability.Chain(p, Middleware(policy)).Execute(context.Background(), nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 2, res.Error.Metadata["attempts"])
}

func TestMiddlewareHonorsCancellationDuringBackoff(t *testing.T) {
	p, calls := flaky(5, workflow.CodeProviderFailure)
	policy := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := capability.Chain(p, Middleware(policy)).Execute(ctx, nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, workflow.CodeProviderTimeout, res.Error.Code)
}
