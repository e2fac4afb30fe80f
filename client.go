// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/metrics"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/glimte/mmate-rpc/transports/rabbitmq"
	"github.com/glimte/mmate-rpc/worker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrClientClosed = errors.New("mmate: client is closed")

// Client is the entry point for callers and workers. It owns the transport,
// a producer, the pending request registry and the response dispatcher
// feeding it.
type Client struct {
	cfg        config.Config
	transport  messaging.Transport
	codecs     *serialization.Registry
	codec      serialization.Codec
	producer   *messaging.Producer
	registry   *bridge.Registry
	dispatcher *bridge.ResponseDispatcher
	bridge     *bridge.Bridge
	metrics    messaging.MetricsCollector
	health     *health.Registry
	logger     *slog.Logger

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closed    chan struct{}
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	transport  messaging.Transport
	registerer prometheus.Registerer
	metrics    messaging.MetricsCollector
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components. By default the log section
// of the config builds one writing to stderr.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport uses transport instead of dialling broker.url. The client
// closes it on Close.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithMetricsRegisterer registers the Prometheus collectors with reg instead
// of the default registerer
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithMetrics replaces the Prometheus collector
func WithMetrics(collector messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// NewClient builds a client from cfg and starts consuming the response topic.
// It returns once the response subscription is live, so requests sent right
// after cannot outrun it, and fails if that takes longer than
// broker.connect_timeout.
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = cfg.NewLogger(os.Stderr)
	}
	logger := cc.logger.With("service", cfg.Service)

	collector, err := newMetrics(cfg, cc)
	if err != nil {
		return nil, err
	}

	codecs := serialization.NewDefaultRegistry()
	codec, err := codecs.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}

	transport := cc.transport
	if transport == nil {
		transport, err = openTransport(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		codecs:    codecs,
		codec:     codec,
		registry:  bridge.NewRegistry(),
		metrics:   collector,
		logger:    logger,
		closed:    make(chan struct{}),
	}
	producerOpts, breaker := producerOptions(cfg, codec, collector, logger)
	c.producer = messaging.NewProducer(transport, producerOpts...)
	c.health = newHealth(cfg, transport, c.registry, breaker)

	c.dispatcher = bridge.NewResponseDispatcher(transport, cfg.Topics.Response, c.registry,
		bridge.WithCodecs(codecs, codec),
		bridge.WithConsumerOptions(messaging.WithPrefetch(cfg.Broker.Prefetch)),
		bridge.WithDispatcherMetrics(collector),
		bridge.WithDispatcherLogger(logger),
	)

	c.bridge, err = bridge.NewBridge(c.producer, c.registry, cfg.Topics.Request,
		bridge.WithTimeout(cfg.RequestTimeout()),
		bridge.WithResponseTopic(cfg.Topics.Response),
		bridge.WithSource(cfg.Service),
		bridge.WithMetrics(collector),
		bridge.WithLogger(logger),
	)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, runCtx = errgroup.WithContext(runCtx)
	c.group.Go(func() error { return c.dispatcher.Run(runCtx) })
	c.group.Go(func() error { return c.sweep(runCtx) })

	readyCtx, readyCancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
	defer readyCancel()
	select {
	case <-c.dispatcher.Ready():
	case <-readyCtx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("failed waiting for response subscription: %w", readyCtx.Err())
	}

	logger.Info("client started",
		"requestTopic", cfg.Topics.Request,
		"responseTopic", cfg.Topics.Response,
		"codec", codec.Name(),
		"timeout", cfg.RequestTimeout())
	return c, nil
}

// Send publishes a request of msgType and waits for its response
func (c *Client) Send(ctx context.Context, msgType string, payload []byte) (bridge.Result, error) {
	if c.isClosed() {
		return bridge.Result{}, ErrClientClosed
	}
	return c.bridge.Send(ctx, msgType, payload)
}

// SendAndReceive publishes req and waits for its response
func (c *Client) SendAndReceive(ctx context.Context, req *contracts.Request) (bridge.Result, error) {
	if c.isClosed() {
		return bridge.Result{}, ErrClientClosed
	}
	return c.bridge.SendAndReceive(ctx, req)
}

// NewServer builds a worker answering the request topic with mux. Members
// share requests through the configured consumer group.
func (c *Client) NewServer(mux *worker.Mux) (*worker.Server, error) {
	mode, err := messaging.ParseDispatchMode(c.cfg.Consumer.DispatchMode)
	if err != nil {
		return nil, err
	}
	return worker.NewServer(c.transport, c.producer, c.cfg.Topics.Request, mux,
		worker.WithOrigin(c.cfg.Service),
		worker.WithCodecs(c.codecs, c.codec),
		worker.WithLogger(c.logger),
		worker.WithConsumerOptions(
			messaging.WithGroup(c.cfg.Consumer.Group),
			messaging.WithDispatchMode(mode),
			messaging.WithPrefetch(c.cfg.Broker.Prefetch),
			messaging.WithConsumerMetrics(c.metrics),
		),
	), nil
}

// Serve answers requests with mux until ctx is cancelled or the client is
// closed
func (c *Client) Serve(ctx context.Context, mux *worker.Mux) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	srv, err := c.NewServer(mux)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return srv.Run(ctx)
}

// Pending returns the requests still waiting for a response, oldest first
func (c *Client) Pending() []bridge.PendingEntry {
	return c.registry.Pending()
}

// Health returns the registry of the client's health checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Producer returns the producer shared by the bridge and served workers
func (c *Client) Producer() *messaging.Producer {
	return c.producer
}

// Metrics returns the metrics collector in use
func (c *Client) Metrics() messaging.MetricsCollector {
	return c.metrics
}

// Close stops the response dispatcher, cancels every pending request and
// closes the transport
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		if werr := c.group.Wait(); werr != nil {
			c.logger.Warn("background task failed", "error", werr)
		}
		if n := c.registry.CancelAll(); n > 0 {
			c.logger.Info("cancelled pending requests on close", "count", n)
		}
		err = c.transport.Close()
		c.logger.Info("client closed")
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// sweep evicts entries that outlived their request by a wide margin. The
// bridge removes its own entries; anything left here leaked.
func (c *Client) sweep(ctx context.Context) error {
	maxAge := 4 * c.cfg.RequestTimeout()
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.registry.Sweep(maxAge); n > 0 {
				c.logger.Warn("swept stale pending requests", "count", n)
				c.metrics.SetPending(c.registry.Len())
			}
		}
	}
}

func newMetrics(cfg config.Config, cc *clientConfig) (messaging.MetricsCollector, error) {
	if cc.metrics != nil {
		return cc.metrics, nil
	}
	if !cfg.Metrics.Enabled {
		return messaging.NoOpMetricsCollector{}, nil
	}
	reg := cc.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	// series are labelled with the response topic
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"client": cfg.Topics.Response}, reg)
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// queueDepther is implemented by transports that can inspect a group queue
type queueDepther interface {
	QueueDepth(ctx context.Context, topic, group string) (messages, consumers int, err error)
}

func newHealth(cfg config.Config, transport messaging.Transport, registry *bridge.Registry, breaker *reliability.CircuitBreaker) *health.Registry {
	h := health.NewRegistry()
	h.SetMetadata("service", cfg.Service)
	h.Register(health.NewPendingChecker(cfg.Health.MaxPending, registry.Len))
	h.Register(health.NewMemoryChecker(0, 0))
	if conn, ok := transport.(health.Connectivity); ok {
		h.Register(health.NewConnectionChecker("broker", conn))
	}
	if breaker != nil {
		h.Register(health.NewCircuitChecker("producer_circuit", breaker))
	}
	if q, ok := transport.(queueDepther); ok {
		topic, group := cfg.Topics.Request, cfg.Consumer.Group
		h.Register(health.NewQueueChecker("request_queue", cfg.Health.MaxQueueDepth, func(ctx context.Context) (int, int, error) {
			return q.QueueDepth(ctx, topic, group)
		}))
	}
	return h
}

func producerOptions(cfg config.Config, codec serialization.Codec, collector messaging.MetricsCollector, logger *slog.Logger) ([]messaging.ProducerOption, *reliability.CircuitBreaker) {
	opts := []messaging.ProducerOption{
		messaging.WithCodec(codec),
		messaging.WithProducerLogger(logger),
		messaging.WithProducerMetrics(collector),
	}

	if cfg.Producer.RateLimit > 0 {
		burst := cfg.Producer.Burst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, messaging.WithRateLimit(rate.Limit(cfg.Producer.RateLimit), burst))
	}

	var breaker *reliability.CircuitBreaker
	if cb := cfg.Producer.CircuitBreaker; cb.FailureThreshold > 0 {
		breaker = reliability.NewCircuitBreaker(
			reliability.WithName("producer"),
			reliability.WithFailureThreshold(cb.FailureThreshold),
			reliability.WithOpenTimeout(cb.OpenTimeout),
			reliability.WithStateChange(func(name string, from, to reliability.State) {
				logger.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
				collector.RecordCircuitState(name, to == reliability.StateOpen)
			}),
		)
		opts = append(opts, messaging.WithCircuitBreaker(breaker))
	}
	return opts, breaker
}

// openTransport picks the transport from the broker URL scheme
func openTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (messaging.Transport, error) {
	u, err := url.Parse(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return memory.NewTransport(memory.WithLogger(logger)), nil
	case "amqp", "amqps":
		opts := []rabbitmq.Option{
			rabbitmq.WithExchange(cfg.Broker.Exchange),
			rabbitmq.WithChannelPoolSize(cfg.Broker.ChannelPool),
			rabbitmq.WithLogger(logger),
			rabbitmq.WithConnectTimeout(cfg.Broker.ConnectTimeout),
		}
		if d := cfg.Broker.ReconnectDelay; d > 0 {
			opts = append(opts, rabbitmq.WithReconnectDelay(d, 30*d))
		}
		t, err := rabbitmq.NewTransport(ctx, cfg.Broker.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open rabbitmq transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
}
