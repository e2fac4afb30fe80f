// Package worker answers requests: a Server consumes a request topic,
// dispatches each request to the Handler registered for its type and
// publishes the response to the request's destination.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
)

// UnknownTypePayload is the payload of the failure response to a request
// whose type has no handler
const UnknownTypePayload = "unknown request type"

var (
	ErrUnknownType      = errors.New("worker: unknown request type")
	ErrDuplicateHandler = errors.New("worker: handler already registered")
)

// Handler performs one request type. success and payload become the
// response; a returned error is sent back as a failure carrying the error
// text.
type Handler interface {
	Handle(ctx context.Context, req *contracts.Request) (success bool, payload []byte, err error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *contracts.Request) (bool, []byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *contracts.Request) (bool, []byte, error) {
	return f(ctx, req)
}

// Mux routes requests to handlers by type
type Mux struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	interceptors []Interceptor
}

// NewMux creates an empty mux
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for requestType
func (m *Mux) Handle(requestType string, h Handler) error {
	if requestType == "" {
		return fmt.Errorf("request type cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", requestType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[requestType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, requestType)
	}
	m.handlers[requestType] = h
	return nil
}

// HandleFunc registers fn for requestType
func (m *Mux) HandleFunc(requestType string, fn func(ctx context.Context, req *contracts.Request) (bool, []byte, error)) error {
	return m.Handle(requestType, HandlerFunc(fn))
}

// Use appends interceptors that wrap every registered handler, in order
func (m *Mux) Use(interceptors ...Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptors = append(m.interceptors, interceptors...)
}

// Types returns the registered request types, sorted
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Serve runs the handler registered for req.Type. An unregistered type
// yields ErrUnknownType together with the failure payload to send back.
func (m *Mux) Serve(ctx context.Context, req *contracts.Request) (bool, []byte, error) {
	m.mu.RLock()
	h, ok := m.handlers[req.Type]
	interceptors := m.interceptors
	m.mu.RUnlock()
	if !ok {
		return false, []byte(UnknownTypePayload), fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}
	return chain(h, interceptors).Handle(ctx, req)
}
