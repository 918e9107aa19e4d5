// Package retry provides retry logic with exponential backoff for resilient provider calls.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"stageflow/pkg/workflow"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=1,max=10"` // Including the initial attempt
	InitialDelay  time.Duration `yaml:"initial_delay"`                        // Delay before first retry
	MaxDelay      time.Duration `yaml:"max_delay"`                            // Cap between retries
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`      // Exponential multiplier
	Jitter        bool          `yaml:"jitter"`                               // Spread retries of concurrent callers
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if a failed result should be retried.
type Classifier func(*workflow.Error) bool

// ShouldRetry is the default classifier. Retryable codes are retried except
// CIRCUIT_OPEN, which the breaker recovers from on its own schedule.
func ShouldRetry(err *workflow.Error) bool {
	if err == nil {
		return false
	}
	if err.Code == workflow.CodeCircuitOpen {
		return false
	}
	return err.Code.Retryable()
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the delay before the given attempt number.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		// ±10%
		jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1)) //nolint:gosec // not security sensitive
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}
	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err *workflow.Error) bool {
	return p.Classifier(err)
}
