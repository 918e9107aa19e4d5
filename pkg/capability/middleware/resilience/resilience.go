// Package resilience composes the retry, admission queue and timeout
// middlewares into the uniform decorator applied to every provider.
package resilience

import (
	"time"

	"stageflow/pkg/capability"
	"stageflow/pkg/capability/middleware/resilience/ratelimit"
	"stageflow/pkg/capability/middleware/resilience/retry"
	"stageflow/pkg/capability/middleware/resilience/timeout"
)

// Config configures the decorator.
type Config struct {
	Retry     retry.Config     `yaml:"retry"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Timeout   time.Duration    `yaml:"timeout"` // Per attempt; 0 disables
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	Retry:     retry.DefaultConfig,
	RateLimit: ratelimit.DefaultConfig,
	Timeout:   20 * time.Second,
}

// Decorator holds the shared admission queue so that every provider kind
// gets its own rate limit, slot pool and breaker.
type Decorator struct {
	cfg   Config
	queue *ratelimit.Queue
}

// New creates a decorator.
func New(cfg Config) *Decorator {
	return &Decorator{cfg: cfg, queue: ratelimit.NewQueue(cfg.RateLimit)}
}

// Queue exposes the admission queue for stats reporting.
func (d *Decorator) Queue() *ratelimit.Queue {
	return d.queue
}

// Middleware returns retry → queue (rate limit, slots, breaker) → timeout.
// Each retry attempt is admitted and timed separately.
func (d *Decorator) Middleware() capability.Middleware {
	policy := retry.NewPolicy(d.cfg.Retry, nil)
	return func(next capability.Provider) capability.Provider {
		return capability.Chain(next,
			retry.Middleware(policy),
			ratelimit.Middleware(d.queue),
			timeout.Middleware(d.cfg.Timeout),
		)
	}
}

// Decorate wraps every provider in the set.
func (d *Decorator) Decorate(set capability.Set) capability.Set {
	return set.Wrap(d.Middleware())
}
