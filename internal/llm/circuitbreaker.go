// ABOUTME: Closed/open/half-open circuit breaker wrapping any Provider
// ABOUTME: Admission control around the external LLM call on the orchestrator's hot path

package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit-breaker states observable from outside.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by CircuitBreaker.Plan while the circuit is open.
var ErrCircuitOpen = errors.New("llm: circuit open")

// CircuitBreaker wraps Provider.Plan with failure-threshold tripping and a
// half-open trial period, matching the CLOSED/OPEN/HALF_OPEN state machine
// described for the LLM adapter.
type CircuitBreaker struct {
	inner Provider

	failureThreshold int
	cooldown         time.Duration
	successThreshold int

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	openedAt        time.Time

	now func() time.Time

	// OnTransition, if set, is called with the new state whenever the
	// breaker transitions. Used to drive the circuit-breaker-transitions
	// metric without making this package depend on prometheus.
	OnTransition func(State)
}

// NewCircuitBreaker wraps inner with the given trip threshold and cooldown.
// successThreshold defaults to 2 consecutive half-open successes if 0.
func NewCircuitBreaker(inner Provider, failureThreshold int, cooldown time.Duration, successThreshold int) *CircuitBreaker {
	if successThreshold <= 0 {
		successThreshold = 2
	}
	return &CircuitBreaker{
		inner:            inner,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		successThreshold: successThreshold,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Plan implements Provider, routing through the breaker's state machine.
func (cb *CircuitBreaker) Plan(ctx context.Context, history []Message, tools []ToolDescriptor) (Plan, error) {
	if !cb.admit() {
		return Plan{}, ErrCircuitOpen
	}

	plan, err := cb.inner.Plan(ctx, history, tools)
	if err != nil {
		cb.onFailure()
		return Plan{}, err
	}
	cb.onSuccess()
	return plan, nil
}

// admit reports whether a call should proceed, transitioning OPEN->HALF_OPEN
// once the cooldown has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = StateHalfOpen
			cb.successCount = 0
			cb.notify(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.notify(StateClosed)
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.open()
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.notify(StateOpen)
}

// notify invokes OnTransition, if set, without holding cb.mu.
func (cb *CircuitBreaker) notify(s State) {
	if cb.OnTransition != nil {
		go cb.OnTransition(s)
	}
}

// State returns the breaker's current observable state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
