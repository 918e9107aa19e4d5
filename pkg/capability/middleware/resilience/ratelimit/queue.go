// Package ratelimit provides a per-service admission queue for provider calls:
// a token bucket rate limit, a bounded concurrency slot pool with a bounded
// wait line, and a circuit breaker.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"stageflow/pkg/capability"
	"stageflow/pkg/capability/middleware/resilience/circuit"
	"stageflow/pkg/workflow"
)

// Config defines admission limits applied to each service key.
type Config struct {
	RequestsPerSecond float64        `yaml:"requests_per_second" validate:"gte=0"` // 0 disables rate limiting
	Burst             int            `yaml:"burst" validate:"gte=0"`
	MaxConcurrent     int            `yaml:"max_concurrent" validate:"gte=0"`
	MaxQueue          int            `yaml:"max_queue" validate:"gte=0"` // Callers allowed to wait for a slot
	Circuit           circuit.Config `yaml:"circuit"`
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	RequestsPerSecond: 0,
	Burst:             1,
	MaxConcurrent:     4,
	MaxQueue:          32,
	Circuit:           circuit.DefaultConfig,
}

// Stats is a point-in-time view of one service's admission state.
type Stats struct {
	Service  string `json:"service"`
	InFlight int64  `json:"in_flight"` // Waiting plus running
	Rejected int64  `json:"rejected"`
	Circuit  string `json:"circuit"`
}

type service struct {
	limiter  *rate.Limiter
	slots    chan struct{}
	breaker  circuit.Breaker
	inflight atomic.Int64
	rejected atomic.Int64
}

// Queue admits operations per service key.
type Queue struct {
	cfg      Config
	mu       sync.Mutex
	services map[string]*service
}

// NewQueue creates a queue. Zero MaxConcurrent falls back to the default.
func NewQueue(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Queue{cfg: cfg, services: make(map[string]*service)}
}

func (q *Queue) service(key string) *service {
	q.mu.Lock()
	defer q.mu.Unlock()

	svc, ok := q.services[key]
	if !ok {
		limit := rate.Inf
		if q.cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(q.cfg.RequestsPerSecond)
		}
		svc = &service{
			limiter: rate.NewLimiter(limit, q.cfg.Burst),
			slots:   make(chan struct{}, q.cfg.MaxConcurrent),
			breaker: circuit.New(q.cfg.Circuit),
		}
		q.services[key] = svc
	}
	return svc
}

// Enqueue runs op once the service key has capacity. It fails fast with
// CIRCUIT_OPEN while the key's breaker is open and with QUEUE_FULL when the
// wait line is full.
func (q *Queue) Enqueue(ctx context.Context, key string, op func(ctx context.Context) workflow.Result) workflow.Result {
	svc := q.service(key)

	if !svc.breaker.Allow() {
		return workflow.Fail(circuit.OpenError(key, svc.breaker.State()))
	}

	n := svc.inflight.Add(1)
	defer svc.inflight.Add(-1)
	if n > int64(q.cfg.MaxConcurrent+q.cfg.MaxQueue) {
		svc.rejected.Add(1)
		return workflow.Fail(workflow.NewError(workflow.CodeQueueFull, "queue for %s is full", key).
			WithMetadata("service", key).
			WithMetadata("capacity", q.cfg.MaxConcurrent+q.cfg.MaxQueue))
	}

	select {
	case svc.slots <- struct{}{}:
	case <-ctx.Done():
		return workflow.Fail(capability.ErrorFromCall(ctx, ctx.Err()))
	}
	defer func() { <-svc.slots }()

	if err := svc.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return workflow.Fail(capability.ErrorFromCall(ctx, ctx.Err()))
		}
		return workflow.Fail(workflow.WrapError(workflow.CodeProviderTimeout, err, "rate limit wait for %s exceeds deadline", key))
	}

	res := op(ctx).Normalize()
	if circuit.Countable(res) {
		svc.breaker.Record(res.Success)
	}
	return res
}

// Stats returns admission stats for every service seen so far, sorted by key.
func (q *Queue) Stats() []Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Stats, 0, len(q.services))
	for key, svc := range q.services {
		out = append(out, Stats{
			Service:  key,
			InFlight: svc.inflight.Load(),
			Rejected: svc.rejected.Load(),
			Circuit:  svc.breaker.State().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Middleware routes provider calls through q keyed by provider kind.
func Middleware(q *Queue) capability.Middleware {
	return func(next capability.Provider) capability.Provider {
		key := string(next.Kind())
		return capability.NewFunc(next.Kind(), func(ctx context.Context, run *workflow.Context, input any) workflow.Result {
			return q.Enqueue(ctx, key, func(ctx context.Context) workflow.Result {
				return next.Execute(ctx, run, input)
			})
		})
	}
}
