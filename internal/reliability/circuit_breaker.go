package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the position of a CircuitBreaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling an operation after failureThreshold
// consecutive failures. Once openTimeout has passed it lets up to
// halfOpenProbes calls through; a success closes it again and a failure
// reopens it.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int

	name             string
	failureThreshold int
	openTimeout      time.Duration
	halfOpenProbes   int
	onStateChange    func(name string, from, to State)
	now              func() time.Time
}

// CircuitBreakerOption configures a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = d
	}
}

// WithHalfOpenProbes sets how many concurrent calls a half-open circuit admits
func WithHalfOpenProbes(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenProbes = n
		}
	}
}

// WithName names the breaker in errors and state change callbacks
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers fn to run on every transition. fn is called
// with the breaker's lock held and must not call back into it.
func WithStateChange(fn func(name string, from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		halfOpenProbes:   1,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute calls fn unless the circuit is open. A context error returned by
// fn is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.release(err, ctx.Err() != nil)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.openTimeout {
			return cb.openError()
		}
		cb.probes = 0
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenProbes {
			return cb.openError()
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) release(err error, cancelled bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
	case cancelled:
	default:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) openError() error {
	return &CircuitOpenError{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		NextProbe: cb.openedAt.Add(cb.openTimeout),
	}
}
