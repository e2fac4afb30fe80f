package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

var (
	ErrRequestTimeout   = errors.New("bridge: request timed out")
	ErrRequestCancelled = errors.New("bridge: request cancelled")
	ErrDuplicateRequest = errors.New("bridge: request id is already pending")
	ErrPublishFailed    = errors.New("bridge: failed to publish request")
	ErrInvalidRequest   = errors.New("bridge: invalid request")
)

// Publisher publishes a message to a topic. *messaging.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg contracts.Message) error
}

// Result is the outcome of a request that received a response. Success is
// the remote worker's verdict; a false value is not an error.
type Result struct {
	Success  bool
	Payload  []byte
	Response *contracts.Response
}

// Bridge sends requests and waits for their responses
type Bridge struct {
	publisher     Publisher
	registry      *Registry
	requestTopic  string
	responseTopic string
	source        string
	timeout       time.Duration
	metrics       messaging.MetricsCollector
	logger        *slog.Logger
}

// Option configures a Bridge
type Option func(*Bridge)

// WithTimeout bounds every request. The default is 30 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithResponseTopic sets the topic workers reply to. Requests without a
// destination are sent with this one.
func WithResponseTopic(topic string) Option {
	return func(b *Bridge) {
		b.responseTopic = topic
	}
}

// WithSource sets the sender identity stamped on requests built by Send
func WithSource(source string) Option {
	return func(b *Bridge) {
		b.source = source
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(b *Bridge) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// NewBridge creates a bridge publishing requests to requestTopic. registry
// must be the one the ResponseDispatcher for the response topic completes.
func NewBridge(publisher Publisher, registry *Registry, requestTopic string, options ...Option) (*Bridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if requestTopic == "" {
		return nil, fmt.Errorf("request topic cannot be empty")
	}

	b := &Bridge{
		publisher:    publisher,
		registry:     registry,
		requestTopic: requestTopic,
		timeout:      30 * time.Second,
		metrics:      messaging.NoOpMetricsCollector{},
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// Timeout returns the per-request bound
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// Send builds a request of type msgType and waits for its response
func (b *Bridge) Send(ctx context.Context, msgType string, payload []byte) (Result, error) {
	req := contracts.NewRequest(msgType, payload)
	req.Destination = b.responseTopic
	req.Source = b.source
	return b.SendAndReceive(ctx, req)
}

// SendAndReceive publishes req and waits for the matching response, for at
// most the configured timeout or until ctx is done. Failures wrap one of
// ErrRequestTimeout, ErrRequestCancelled, ErrDuplicateRequest,
// ErrPublishFailed or ErrInvalidRequest. On return req.ID is no longer
// registered.
func (b *Bridge) SendAndReceive(ctx context.Context, req *contracts.Request) (Result, error) {
	if req == nil {
		return Result{}, fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if req.Destination == "" && b.responseTopic != "" {
		cp := *req
		cp.Destination = b.responseTopic
		req = &cp
	}
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	start := time.Now()
	completion := NewCompletion(req.ID)

	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if !b.registry.Add(req.ID, completion) {
		b.logger.Warn("request id already pending, not publishing",
			"requestId", req.ID,
			"requestType", req.Type)
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	b.metrics.SetPending(b.registry.Len())
	defer func() { b.metrics.SetPending(b.registry.Len()) }()

	stop := context.AfterFunc(reqCtx, func() {
		b.registry.removeEntry(req.ID, completion)
		completion.Cancel()
	})
	defer stop()

	b.logger.Debug("sending request",
		"requestId", req.ID,
		"requestType", req.Type,
		"topic", b.requestTopic,
		"replyTo", req.Destination)

	if err := b.publisher.Publish(reqCtx, b.requestTopic, req); err != nil {
		b.registry.removeEntry(req.ID, completion)
		if reqCtx.Err() != nil {
			completion.Cancel()
			return b.abandoned(ctx, req, start)
		}
		completion.Cancel()
		b.metrics.RecordRequest(req.Type, messaging.OutcomePublishFailed, time.Since(start))
		b.logger.Error("failed to publish request",
			"requestId", req.ID,
			"requestType", req.Type,
			"topic", b.requestTopic,
			"error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	resp, err := completion.Wait(reqCtx)
	if err != nil {
		b.registry.removeEntry(req.ID, completion)
		if reqCtx.Err() == nil {
			// evicted by the registry owner, e.g. on shutdown
			b.metrics.RecordRequest(req.Type, messaging.OutcomeCancelled, time.Since(start))
			b.logger.Warn("pending request evicted", "requestId", req.ID, "requestType", req.Type)
			return Result{}, fmt.Errorf("%w: %s was evicted", ErrRequestCancelled, req.ID)
		}
		return b.abandoned(ctx, req, start)
	}

	outcome := messaging.OutcomeSuccess
	if !resp.Success {
		outcome = messaging.OutcomeFailure
	}
	b.metrics.RecordRequest(req.Type, outcome, time.Since(start))
	b.logger.Debug("received response",
		"requestId", req.ID,
		"requestType", req.Type,
		"origin", resp.Origin,
		"success", resp.Success,
		"elapsed", time.Since(start))

	return Result{Success: resp.Success, Payload: resp.Payload, Response: resp}, nil
}

// abandoned builds the error for a request that ended without a response.
// The caller's own context decides between cancelled and timed out.
func (b *Bridge) abandoned(ctx context.Context, req *contracts.Request, start time.Time) (Result, error) {
	elapsed := time.Since(start)
	if err := ctx.Err(); err != nil {
		b.metrics.RecordRequest(req.Type, messaging.OutcomeCancelled, elapsed)
		b.logger.Debug("request cancelled", "requestId", req.ID, "requestType", req.Type, "elapsed", elapsed)
		return Result{}, fmt.Errorf("%w: %w", ErrRequestCancelled, err)
	}

	b.metrics.RecordRequest(req.Type, messaging.OutcomeTimeout, elapsed)
	b.logger.Warn("request timed out",
		"requestId", req.ID,
		"requestType", req.Type,
		"timeout", b.timeout)
	return Result{}, fmt.Errorf("%w after %s: %s", ErrRequestTimeout, b.timeout, req.ID)
}
