package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// ErrRequestFiltered is returned for requests a FilteringInterceptor refuses
var ErrRequestFiltered = errors.New("worker: request filtered")

// Interceptor wraps request handling. It calls next to continue the chain or
// returns its own response to stop it.
type Interceptor interface {
	Intercept(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error)

	// Name identifies the interceptor in logs
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error)
}

// NewInterceptorFunc creates a named function interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// chain wraps h so the first interceptor runs outermost
func chain(h Handler, interceptors []Interceptor) Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := h
		h = HandlerFunc(func(ctx context.Context, req *contracts.Request) (bool, []byte, error) {
			return interceptor.Intercept(ctx, req, next)
		})
	}
	return h
}

// LoggingInterceptor logs every handled request with its outcome and duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error) {
	start := time.Now()
	success, payload, err := next.Handle(ctx, req)
	duration := time.Since(start)

	switch {
	case err != nil:
		i.logger.Error("request handling failed",
			"requestId", req.ID,
			"requestType", req.Type,
			"source", req.Source,
			"duration", duration,
			"error", err,
		)
	default:
		i.logger.Debug("request handled",
			"requestId", req.ID,
			"requestType", req.Type,
			"success", success,
			"duration", duration,
		)
	}
	return success, payload, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long a handler may run. The handler sees the
// deadline on its context; a handler that ignores it still delays the reply.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error) {
	if i.timeout <= 0 {
		return next.Handle(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	success, payload, err := next.Handle(ctx, req)
	if err == nil && ctx.Err() != nil {
		return false, nil, fmt.Errorf("handler exceeded %s: %w", i.timeout, ctx.Err())
	}
	return success, payload, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RequestFilter decides whether a request reaches its handler
type RequestFilter interface {
	ShouldProcess(ctx context.Context, req *contracts.Request) (bool, error)
}

// RequestFilterFunc is a function adapter for RequestFilter
type RequestFilterFunc func(ctx context.Context, req *contracts.Request) (bool, error)

// ShouldProcess implements RequestFilter
func (f RequestFilterFunc) ShouldProcess(ctx context.Context, req *contracts.Request) (bool, error) {
	return f(ctx, req)
}

// SourceFilter only admits requests from the listed sources
func SourceFilter(sources ...string) RequestFilter {
	allowed := make(map[string]struct{}, len(sources))
	for _, o := range sources {
		allowed[o] = struct{}{}
	}
	return RequestFilterFunc(func(_ context.Context, req *contracts.Request) (bool, error) {
		_, ok := allowed[req.Source]
		return ok, nil
	})
}

// FilteringInterceptor answers refused requests with a failure response
// instead of running their handler
type FilteringInterceptor struct {
	filter RequestFilter
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter RequestFilter) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error) {
	ok, err := i.filter.ShouldProcess(ctx, req)
	if err != nil {
		return false, nil, fmt.Errorf("filter error: %w", err)
	}
	if !ok {
		return false, nil, fmt.Errorf("%w: type=%s, id=%s", ErrRequestFiltered, req.Type, req.ID)
	}
	return next.Handle(ctx, req)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}
