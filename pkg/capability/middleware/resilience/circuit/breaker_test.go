package circuit

import (
	"context"
	"testing"
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/workflow"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newWithClock(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, clock.now)

	b.Record(false)
	if b.State() != Closed {
		t.Fatalf("Expected CLOSED after one failure, got %s", b.State())
	}
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("Expected OPEN after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected open breaker to reject")
	}

	clock.t = clock.t.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("Expected half-open probe to be allowed")
	}
	if b.State() != HalfOpen {
		t.Fatalf("Expected HALF_OPEN, got %s", b.State())
	}
	b.Record(true)
	if b.State() != Closed {
		t.Errorf("Expected CLOSED after probe success, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newWithClock(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second}, clock.now)

	b.Record(false)
	clock.t = clock.t.Add(time.Second)
	b.Allow()
	b.Record(false)
	if b.State() != Open {
		t.Errorf("Expected OPEN after half-open failure, got %s", b.State())
	}

	b.Reset()
	if b.State() != Closed {
		t.Errorf("Expected CLOSED after reset, got %s", b.State())
	}
}

func TestCoolDownRunsFromTrip(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newWithClock(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}, clock.now)

	b.Record(false)
	clock.t = clock.t.Add(30 * time.Second)
	b.Record(false) // Admitted before the trip, reported late
	if b.State() != Open {
		t.Fatalf("Expected OPEN, got %s", b.State())
	}

	clock.t = clock.t.Add(30 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("Expected HALF_OPEN one cool-down after the trip, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("Expected trial call to be allowed")
	}
}

func TestMiddlewareRejectsWhenOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	calls := 0
	failing := capability.NewFunc(capability.KindPlanner, func(context.Context, *workflow.Context, any) workflow.Result {
		calls++
		return workflow.Failf(workflow.CodeProviderFailure, "down")
	})
	p := capability.Chain(failing, Middleware(b))

	first := p.Execute(context.Background(), nil, nil)
	if first.Error.Code != workflow.CodeProviderFailure {
		t.Fatalf("Expected provider failure, got %s", first.Error.Code)
	}

	second := p.Execute(context.Background(), nil, nil)
	if second.Error.Code != workflow.CodeCircuitOpen {
		t.Fatalf("Expected CIRCUIT_OPEN, got %s", second.Error.Code)
	}
	if calls != 1 {
		t.Errorf("Expected provider to be called once, got %d", calls)
	}
	if second.Error.Metadata["service"] != "planner" {
		t.Errorf("Expected service metadata, got %v", second.Error.Metadata)
	}
}

func TestCancellationDoesNotTrip(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	cancelled := capability.NewFunc(capability.KindPlanner, func(context.Context, *workflow.Context, any) workflow.Result {
		return workflow.Failf(workflow.CodeCancelled, "stopped")
	})
	capability.Chain(cancelled, Middleware(b)).Execute(context.Background(), nil, nil)
	if b.State() != Closed {
		t.Errorf("Expected cancellation to leave breaker CLOSED, got %s", b.State())
	}
}
