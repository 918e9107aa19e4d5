package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/pkg/capability/middleware/resilience/circuit"
	"stageflow/pkg/workflow"
)

func TestQueueFullRejectsImmediately(t *testing.T) {
	q := NewQueue(Config{MaxConcurrent: 1, MaxQueue: 0, Circuit: circuit.DefaultConfig})

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), "planner", func(context.Context) workflow.Result {
			close(started)
			<-release
			return workflow.Ok(nil)
		})
	}()
	<-started

	res := q.Enqueue(context.Background(), "planner", func(context.Context) workflow.Result {
		t.Error("op must not run when the queue is full")
		return workflow.Ok(nil)
	})
	require.False(t, res.Success)
	assert.Equal(t, workflow.CodeQueueFull, res.Error.Code)

	other := q.Enqueue(context.Background(), "verifier", func(context.Context) workflow.Result { return workflow.Ok("v") })
	assert.True(t, other.Success, "keys are isolated")

	close(release)
	wg.Wait()

	stats := q.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "planner", stats[0].Service)
	assert.Equal(t, int64(1), stats[0].Rejected)
	assert.Equal(t, int64(0), stats[0].InFlight)
}

func TestWaitingCallerHonorsContext(t *testing.T) {
	q := NewQueue(Config{MaxConcurrent: 1, MaxQueue: 1, Circuit: circuit.DefaultConfig})

	release := make(chan struct{})
	started := make(chan struct{})
	go q.Enqueue(context.Background(), "executor", func(context.Context) workflow.Result {
		close(started)
		<-release
		return workflow.Ok(nil)
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := q.Enqueue(ctx, "executor", func(context.Context) workflow.Result { return workflow.Ok(nil) })
	assert.Equal(t, workflow.CodeProviderTimeout, res.Error.Code)
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	q := NewQueue(Config{MaxConcurrent: 2, Circuit: circuit.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}})
	fail := func(context.Context) workflow.Result {
		return workflow.Failf(workflow.CodeProviderFailure, "500 from upstream")
	}

	q.Enqueue(context.Background(), "selector", fail)
	q.Enqueue(context.Background(), "selector", fail)
	res := q.Enqueue(context.Background(), "selector", fail)

	assert.Equal(t, workflow.CodeCircuitOpen, res.Error.Code)
	assert.Equal(t, "OPEN", q.Stats()[0].Circuit)
}

func TestRateLimitSpacesCalls(t *testing.T) {
	q := NewQueue(Config{RequestsPerSecond: 20, Burst: 1, MaxConcurrent: 1, MaxQueue: 4, Circuit: circuit.DefaultConfig})

	start := time.Now()
	for i := 0; i < 3; i++ {
		res := q.Enqueue(context.Background(), "chat", func(context.Context) workflow.Result { return workflow.Ok(nil) })
		require.True(t, res.Success)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
