// Package resilience implements the substrate every external-service call
// passes through: per-service circuit breakers, retry with backoff and
// jitter, timeout envelopes keyed by operation class, and a bounded error
// aggregator.
package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
)

// BreakerConfig configures one Breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// Breaker implements the closed/open/half_open state machine described for
// the resilience substrate. State transitions are guarded by a mutex held
// only across the transition itself; CanExecute is a read-only check that
// never transitions state.
type Breaker struct {
	mu sync.RWMutex

	name   string
	config BreakerConfig
	state  model.CircuitState

	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int

	lastError error

	onStateChange func(from, to model.CircuitState)
}

// NewBreaker constructs a Breaker for one named backend service.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 2 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{name: name, config: cfg, state: model.StateClosed}
}

// SetOnStateChange installs a callback invoked (in its own goroutine) on
// every transition.
func (b *Breaker) SetOnStateChange(fn func(from, to model.CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// CanExecute reports whether a call would currently be admitted, without
// causing a state transition. Used for status/health inspection.
func (b *Breaker) CanExecute() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.state {
	case model.StateClosed:
		return true
	case model.StateOpen:
		return time.Since(b.openedAt) >= b.config.RecoveryTimeout
	case model.StateHalfOpen:
		return b.halfOpenInFlight < b.config.HalfOpenMaxCalls
	default:
		return true
	}
}

// Allow is CanExecute's mutating counterpart: it performs the Open ->
// HalfOpen transition when the recovery timeout has elapsed, and reserves
// an in-flight probe slot when in HalfOpen.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.StateClosed:
		return true

	case model.StateOpen:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			b.transitionTo(model.StateHalfOpen)
			b.halfOpenInFlight = 1
			return true
		}
		return false

	case model.StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenInFlight++
		return true

	default:
		return true
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == model.StateHalfOpen {
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(model.StateClosed)
		}
	}
}

// RecordFailure registers a failed call, categorized by the error kind
// taxonomy. ValidationError, InvalidParams, InvalidRequest and CircuitOpen
// itself never count toward tripping the breaker; RateLimited trips it at
// once, and every other kind adds one consecutive failure.
func (b *Breaker) RecordFailure(kind errs.Kind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	b.consecutiveSuccesses = 0

	if b.state == model.StateHalfOpen {
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
	}

	switch kind {
	case errs.KindValidationError, errs.KindInvalidParams, errs.KindInvalidRequest, errs.KindCircuitOpen:
		log.Warn().Str("breaker", b.name).Err(err).Str("kind", string(kind)).
			Msg("resilience: ignoring non-transient error for breaker accounting")
		return
	case errs.KindRateLimited:
		b.consecutiveFailures = b.config.FailureThreshold
	default:
		b.consecutiveFailures++
	}

	switch b.state {
	case model.StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.tripCircuit(err)
		}
	case model.StateHalfOpen:
		b.tripCircuit(err)
	}
}

func (b *Breaker) tripCircuit(err error) {
	b.transitionTo(model.StateOpen)
	b.openedAt = time.Now()
	b.halfOpenInFlight = 0
	log.Warn().Str("breaker", b.name).Int("failures", b.consecutiveFailures).Err(err).
		Msg("resilience: circuit breaker tripped")
}

func (b *Breaker) transitionTo(next model.CircuitState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.onStateChange != nil {
		go b.onStateChange(prev, next)
	}
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(model.StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.lastError = nil
}

// State returns a snapshot of the breaker's current state machine.
func (b *Breaker) State() model.CircuitBreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return model.CircuitBreakerState{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		HalfOpenInFlight:     b.halfOpenInFlight,
	}
}

// Execute runs operation if the breaker admits the call, recording the
// outcome. Returns errs.KindCircuitOpen without invoking operation if the
// breaker rejects the call — no backend credit is consumed.
func (b *Breaker) Execute(operation func() error, categorize func(error) errs.Kind) error {
	if !b.Allow() {
		return errs.New(errs.KindCircuitOpen, b.name+": circuit open")
	}
	if err := operation(); err != nil {
		kind := errs.KindExternalServiceError
		if categorize != nil {
			kind = categorize(err)
		}
		b.RecordFailure(kind, err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// BreakerRegistry is the process-lifetime map of per-service breakers —
// one of the three pieces of global mutable state the engine owns.
// Constructed at startup, shared by reference, torn down (a no-op; there
// is no per-breaker resource to release) when the transport loop exits.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the named breaker, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns every breaker's current state, keyed by name, for
// get_health_status reporting.
func (r *BreakerRegistry) Snapshot() map[string]model.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]model.CircuitBreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
