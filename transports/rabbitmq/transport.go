// Package rabbitmq is a messaging.Transport over a RabbitMQ topic exchange.
// Topics are routing keys; each consumer group owns a durable queue and
// private subscriptions get an exclusive server-named queue.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionListener receives broker connection state changes
type ConnectionListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

type config struct {
	exchange          string
	channelPoolSize   int
	confirmTimeout    time.Duration
	connectionOptions []rabbitmq.ConnectionOption
	logger            *slog.Logger
}

// Option configures the transport
type Option func(*config)

// WithExchange sets the topic exchange. It defaults to "mmate.rpc".
func WithExchange(name string) Option {
	return func(c *config) {
		if name != "" {
			c.exchange = name
		}
	}
}

// WithChannelPoolSize caps the publishing channels
func WithChannelPoolSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.channelPoolSize = n
		}
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.confirmTimeout = timeout
	}
}

// WithReconnectDelay sets the reconnect backoff range
func WithReconnectDelay(initial, max time.Duration) Option {
	return func(c *config) {
		c.connectionOptions = append(c.connectionOptions, rabbitmq.WithReconnectDelay(initial, max))
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.connectionOptions = append(c.connectionOptions, rabbitmq.WithConnectTimeout(timeout))
	}
}

// WithConnectionListener registers listener for connection state changes
func WithConnectionListener(listener ConnectionListener) Option {
	return func(c *config) {
		c.connectionOptions = append(c.connectionOptions, rabbitmq.WithStateListener(listener))
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	topology   *rabbitmq.TopologyManager
	publisher  *rabbitmq.Publisher
	subscriber *rabbitmq.Subscriber
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// NewTransport connects to url and declares the topic exchange
func NewTransport(ctx context.Context, url string, options ...Option) (*Transport, error) {
	cfg := &config{
		exchange:        rabbitmq.DefaultExchange,
		channelPoolSize: 10,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	logger := cfg.logger.With("component", "rabbitmq")

	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.connectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.channelPoolSize),
		rabbitmq.WithPoolLogger(logger),
	)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	if err := topology.DeclareExchange(ctx, rabbitmq.TopicExchange(cfg.exchange)); err != nil {
		_ = pool.Close()
		_ = manager.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Transport{
		manager:    manager,
		pool:       pool,
		topology:   topology,
		publisher:  rabbitmq.NewPublisher(pool, cfg.exchange, rabbitmq.WithConfirmTimeout(cfg.confirmTimeout)),
		subscriber: rabbitmq.NewSubscriber(manager, cfg.exchange, rabbitmq.WithSubscriberLogger(logger)),
		logger:     logger,
		subs:       make(map[*subscription]struct{}),
	}, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, msg messaging.Outbound) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	return t.publisher.Publish(ctx, topic, toPublishing(msg))
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, topic string, opts messaging.SubscriptionOptions) (messaging.Subscription, error) {
	if topic == "" {
		return nil, messaging.ErrEmptyTopic
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}

	raw, err := t.subscriber.Subscribe(ctx, queueSpec(topic, opts))
	if err != nil {
		return nil, err
	}

	s := &subscription{
		transport: t,
		raw:       raw,
		topic:     topic,
		out:       make(chan messaging.Delivery),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = raw.Close()
		return nil, messaging.ErrTransportClosed
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.forward()
	return s, nil
}

// QueueDepth returns the ready message count and consumer count of the queue
// shared by group on topic. A queue nobody has declared yet reports zero of
// both.
func (t *Transport) QueueDepth(ctx context.Context, topic, group string) (messages, consumers int, err error) {
	if t.isClosed() {
		return 0, 0, messaging.ErrTransportClosed
	}
	info, err := t.topology.InspectQueue(ctx, rabbitmq.QueueName(group, topic))
	if rabbitmq.IsNotFound(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return info.Messages, info.Consumers, nil
}

// Connected reports whether the broker connection is currently up
func (t *Transport) Connected() bool {
	return t.manager.IsConnected()
}

// Close ends every subscription and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	_ = t.pool.Close()
	return t.manager.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) forget(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func queueSpec(topic string, opts messaging.SubscriptionOptions) rabbitmq.QueueSpec {
	if opts.Group == "" || opts.Exclusive {
		return rabbitmq.PrivateQueue(topic, opts.Prefetch)
	}
	return rabbitmq.GroupQueue(opts.Group, topic, opts.Prefetch)
}

func toPublishing(msg messaging.Outbound) amqp.Publishing {
	return amqp.Publishing{
		Headers:       amqp.Table(msg.Headers()),
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Type:          msg.MessageType,
		Body:          msg.Body,
	}
}

type subscription struct {
	transport *Transport
	raw       *rabbitmq.Subscription
	topic     string
	out       chan messaging.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Deliveries() <-chan messaging.Delivery {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.raw.Close()
	})
	return err
}

// forward adapts raw deliveries until the broker stream ends or the
// subscription is closed
func (s *subscription) forward() {
	defer func() {
		close(s.out)
		s.transport.forget(s)
	}()

	for {
		select {
		case <-s.done:
			return
		case d, ok := <-s.raw.Deliveries():
			if !ok {
				s.transport.logger.Warn("broker closed delivery stream", "topic", s.topic, "queue", s.raw.Queue())
				_ = s.Close()
				return
			}
			select {
			case s.out <- &delivery{topic: s.topic, raw: d}:
			case <-s.done:
				// unacked; the broker redelivers it once the channel closes
				return
			}
		}
	}
}

type delivery struct {
	topic string
	raw   amqp.Delivery
}

func (d *delivery) Topic() string { return d.topic }
func (d *delivery) Body() []byte  { return d.raw.Body }

// Headers merges the AMQP message properties into the application headers,
// so messages published by other clients still carry the routing fields
func (d *delivery) Headers() map[string]interface{} {
	h := make(map[string]interface{}, len(d.raw.Headers)+3)
	for k, v := range d.raw.Headers {
		h[k] = v
	}
	setDefault(h, messaging.HeaderMessageID, d.raw.MessageId)
	setDefault(h, messaging.HeaderCorrelationID, d.raw.CorrelationId)
	setDefault(h, messaging.HeaderContentType, d.raw.ContentType)
	setDefault(h, messaging.HeaderMessageType, d.raw.Type)
	return h
}

func (d *delivery) Acknowledge() error {
	return d.raw.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	return d.raw.Reject(requeue)
}

func setDefault(h map[string]interface{}, key, value string) {
	if value == "" {
		return
	}
	if _, ok := h[key]; !ok {
		h[key] = value
	}
}
