package resilience

import "time"

// Settings configures the resilience service from plain values so the
// package stays independent of the config loader.
type Settings struct {
	Extraction PolicySettings
	Embeddings PolicySettings
	Index      PolicySettings
	Store      PolicySettings

	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// PolicySettings are the knobs of one named retry policy.
type PolicySettings struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Service holds per-dependency retry policies and circuit breakers. It is
// constructed once at startup and passed by reference to every component
// that talks to an external dependency, so breaker state is shared without
// hidden globals.
type Service struct {
	ExtractionPolicy Policy
	EmbeddingsPolicy Policy
	IndexPolicy      Policy
	StorePolicy      Policy

	ExtractionBreaker *CircuitBreaker
	EmbeddingsBreaker *CircuitBreaker
	IndexBreaker      *CircuitBreaker
}

// NewService builds the per-dependency policies and breakers. isRetryable
// applies to every policy; pass nil to retry everything.
func NewService(s Settings, isRetryable func(error) bool) *Service {
	policy := func(name string, ps PolicySettings) Policy {
		return Policy{
			Name:          name,
			MaxAttempts:   ps.MaxAttempts,
			BaseDelay:     ps.BaseDelay,
			MaxDelay:      ps.MaxDelay,
			BackoffFactor: ps.BackoffFactor,
			IsRetryable:   isRetryable,
		}
	}
	return &Service{
		ExtractionPolicy:  policy("extraction", s.Extraction),
		EmbeddingsPolicy:  policy("embeddings", s.Embeddings),
		IndexPolicy:       policy("index", s.Index),
		StorePolicy:       policy("store", s.Store),
		ExtractionBreaker: NewCircuitBreaker("extraction", s.BreakerMaxFailures, s.BreakerCooldown),
		EmbeddingsBreaker: NewCircuitBreaker("embeddings", s.BreakerMaxFailures, s.BreakerCooldown),
		IndexBreaker:      NewCircuitBreaker("index", s.BreakerMaxFailures, s.BreakerCooldown),
	}
}
