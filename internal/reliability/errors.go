package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen        = errors.New("circuit breaker: circuit is open")
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// CircuitOpenError is returned by CircuitBreaker.Execute while calls are blocked
type CircuitOpenError struct {
	Name      string
	State     State
	Failures  int
	NextProbe time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s: %d consecutive failures, next probe at %s",
		e.Name, e.State, e.Failures, e.NextProbe.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError reports the last failure of an exhausted Retry
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
