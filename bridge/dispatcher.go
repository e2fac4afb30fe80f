package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
)

// ResponseDispatcher consumes a response topic and hands each response to the
// completion registered for its request ID
type ResponseDispatcher struct {
	consumer *messaging.Consumer
	registry *Registry
	decoder  *messaging.Decoder
	metrics  messaging.MetricsCollector
	logger   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

type dispatcherConfig struct {
	codecs          *serialization.Registry
	codec           serialization.Codec
	consumerOptions []messaging.ConsumerOption
	metrics         messaging.MetricsCollector
	logger          *slog.Logger
}

// DispatcherOption configures a ResponseDispatcher
type DispatcherOption func(*dispatcherConfig)

// WithCodecs sets the codecs responses may arrive in and the one assumed when
// a delivery carries no content type
func WithCodecs(codecs *serialization.Registry, fallback serialization.Codec) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.codecs = codecs
		c.codec = fallback
	}
}

// WithConsumerOptions passes options to the underlying consumer. The dispatch
// mode is always parallel.
func WithConsumerOptions(options ...messaging.ConsumerOption) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.consumerOptions = append(c.consumerOptions, options...)
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics messaging.MetricsCollector) DispatcherOption {
	return func(c *dispatcherConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.logger = logger
	}
}

// NewResponseDispatcher creates a dispatcher reading topic into registry. By
// default it subscribes exclusively, so every client instance sees every
// response on the topic and keeps the ones it is waiting for.
func NewResponseDispatcher(transport messaging.Transport, topic string, registry *Registry, options ...DispatcherOption) *ResponseDispatcher {
	cfg := &dispatcherConfig{
		metrics: messaging.NoOpMetricsCollector{},
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	d := &ResponseDispatcher{
		registry: registry,
		decoder:  messaging.NewDecoder(cfg.codecs, cfg.codec),
		metrics:  cfg.metrics,
		logger:   cfg.logger,
		ready:    make(chan struct{}),
	}

	consumerOptions := append([]messaging.ConsumerOption{
		messaging.WithExclusive(true),
		messaging.WithConsumerLogger(cfg.logger),
		messaging.WithConsumerMetrics(cfg.metrics),
	}, cfg.consumerOptions...)
	consumerOptions = append(consumerOptions,
		messaging.WithDispatchMode(messaging.DispatchParallel),
		messaging.WithSubscribedHook(func() { d.readyOnce.Do(func() { close(d.ready) }) }),
	)
	d.consumer = messaging.NewConsumer(transport, topic, consumerOptions...)
	return d
}

// Ready is closed once the dispatcher first subscribes to the response topic.
// Responses published before that may be lost.
func (d *ResponseDispatcher) Ready() <-chan struct{} {
	return d.ready
}

// Run consumes responses until ctx is cancelled
func (d *ResponseDispatcher) Run(ctx context.Context) error {
	return d.consumer.Consume(ctx, messaging.HandlerFunc(d.handle))
}

func (d *ResponseDispatcher) handle(ctx context.Context, delivery messaging.Delivery) error {
	resp, err := d.decoder.Response(delivery)
	if err != nil {
		return err
	}
	d.Dispatch(resp)
	return nil
}

// Dispatch completes the request resp answers. It reports whether a waiting
// request was found; unmatched responses are dropped.
func (d *ResponseDispatcher) Dispatch(resp *contracts.Response) bool {
	completion, ok := d.registry.GetAndRemove(resp.RequestID)
	if !ok {
		d.metrics.RecordUnmatchedResponse()
		d.logger.Debug("discarding response without pending request",
			"requestId", resp.RequestID,
			"origin", resp.Origin,
			"correlationId", resp.CorrelationID)
		return false
	}
	d.metrics.SetPending(d.registry.Len())

	if !completion.Complete(resp) {
		d.logger.Debug("request already resolved, dropping response", "requestId", resp.RequestID)
	}
	return true
}
