package engine

import (
	"sync"
	"time"

	"github.com/rendis/formbridge/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // CRM failing, actions rejected
	CircuitHalfOpen                     // Probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-action-type CRM breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive CRM failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// Breakers stops running actions of a type whose CRM calls keep failing.
// Only CRM and attachment errors count; validation and mapping errors are
// problems of the submission, not of the CRM.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker registry.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns an ACTION_UNAVAILABLE error when the circuit for the action
// type is open. After the cooldown one probe is allowed through.
func (b *Breakers) Allow(actionType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(actionType)

	switch br.state {
	case CircuitOpen:
		if b.now().Sub(br.openedAt) < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"%s paused after %d consecutive CRM failures", actionType, br.failures).
				WithDetails(map[string]any{
					"action_type":          actionType,
					"consecutive_failures": br.failures,
					"retry_in":             (b.config.Cooldown - b.now().Sub(br.openedAt)).Round(time.Second).String(),
				})
		}
		br.state = CircuitHalfOpen
		br.probing = true
		return nil
	case CircuitHalfOpen:
		if br.probing {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"%s is probing CRM recovery", actionType)
		}
		br.probing = true
	}
	return nil
}

// Record updates the circuit with the outcome of one execution and returns
// the resulting state.
func (b *Breakers) Record(actionType string, err error) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(actionType)
	br.probing = false

	if !countsAsCRMFailure(err) {
		if err == nil {
			br.failures = 0
			br.state = CircuitClosed
		}
		return br.state
	}

	br.failures++
	if br.state == CircuitHalfOpen || br.failures >= b.config.FailureThreshold {
		br.state = CircuitOpen
		br.openedAt = b.now()
	}
	return br.state
}

// State returns the current circuit state for an action type.
func (b *Breakers) State(actionType string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(actionType).state
}

func (b *Breakers) get(actionType string) *breaker {
	br, ok := b.breakers[actionType]
	if !ok {
		br = &breaker{}
		b.breakers[actionType] = br
	}
	return br
}

func countsAsCRMFailure(err error) bool {
	return schema.HasCode(err, schema.ErrCodeCRM) || schema.HasCode(err, schema.ErrCodeAttachment)
}
