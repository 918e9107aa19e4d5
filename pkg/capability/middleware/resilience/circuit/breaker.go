// Package circuit stops calling a provider that keeps failing and lets a few
// trial calls through after a cool-down.
package circuit

import (
	"sync"
	"time"
)

// State is where a breaker sits in its closed → open → half-open cycle.
type State int

const (
	Closed   State = iota // Calls pass; consecutive failures are counted
	Open                  // Calls are rejected until the cool-down ends
	HalfOpen              // Trial calls decide whether to close or reopen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes when a breaker trips and how it recovers.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=1"` // Consecutive failures that open the circuit
	SuccessThreshold int           `yaml:"success_threshold" validate:"min=1"` // Trial successes that close it again
	Timeout          time.Duration `yaml:"timeout"`                            // Cool-down spent open
}

// DefaultConfig is used for services without explicit settings.
//
//nolint:gochecknoglobals // Shared default
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Breaker gates calls to one downstream service.
type Breaker interface {
	Allow() bool         // Whether a call may go out now
	Record(success bool) // Outcome of a call that Allow admitted
	State() State
	Reset()
}

type breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state     State
	failures  int       // Consecutive, while closed
	successes int       // Trial successes, while half-open
	openedAt  time.Time // Start of the current cool-down
}

// New returns a closed breaker.
func New(cfg Config) Breaker {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	return &breaker{cfg: cfg, now: now}
}

// moveTo enters s with fresh counters. Caller holds mu.
func (b *breaker) moveTo(s State) {
	b.state = s
	b.failures, b.successes = 0, 0
	if s == Open {
		b.openedAt = b.now()
	}
}

// settle ends an expired cool-down. Caller holds mu.
func (b *breaker) settle() State {
	if b.state == Open && !b.now().Before(b.openedAt.Add(b.cfg.Timeout)) {
		b.moveTo(HalfOpen)
	}
	return b.state
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settle() != Open
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.settle() {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		if b.failures++; b.failures >= b.cfg.FailureThreshold {
			b.moveTo(Open)
		}
	case HalfOpen:
		if !success {
			b.moveTo(Open)
			return
		}
		if b.successes++; b.successes >= b.cfg.SuccessThreshold {
			b.moveTo(Closed)
		}
	case Open:
		// A call admitted before the trip; its outcome changes nothing.
	}
}

func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settle()
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moveTo(Closed)
}
