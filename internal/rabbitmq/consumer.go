package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscriber opens queue consumers on dedicated channels. Consumers are not
// pooled because a consuming channel is held for the life of the
// subscription.
type Subscriber struct {
	manager  *ConnectionManager
	exchange string
	logger   *slog.Logger
}

// SubscriberOption configures the subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a subscriber binding queues to exchange
func NewSubscriber(manager *ConnectionManager, exchange string, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		manager:  manager,
		exchange: exchange,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Subscription is one running queue consumer
type Subscription struct {
	channel    *amqp.Channel
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger
	closeOnce  sync.Once
	closeErr   error
}

// Subscribe declares and binds the queue described by spec and starts
// consuming it. The deliveries channel closes when the subscription is
// closed or when the broker connection or channel goes away.
func (s *Subscriber) Subscribe(ctx context.Context, spec QueueSpec) (*Subscription, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	conn, err := s.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "subscribe", ChannelID: "new", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "subscribe", ChannelID: "new", Err: err}
	}

	sub, err := s.start(ctx, ch, spec)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	s.logger.Info("subscribed to queue",
		"queue", sub.queue,
		"routingKey", spec.RoutingKey,
		"consumerTag", sub.tag,
		"prefetch", spec.Prefetch,
	)
	return sub, nil
}

func (s *Subscriber) start(ctx context.Context, ch *amqp.Channel, spec QueueSpec) (*Subscription, error) {
	if spec.Prefetch > 0 {
		if err := ch.Qos(spec.Prefetch, 0, false); err != nil {
			return nil, &ChannelError{Op: "set qos", ChannelID: spec.Name, Err: err}
		}
	}

	queue, err := declareQueue(ch, s.exchange, spec)
	if err != nil {
		return nil, err
	}

	tag := "mmate-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, queue, tag, false, spec.Exclusive, false, false, nil)
	if err != nil {
		return nil, &ChannelError{Op: "consume", ChannelID: queue, Err: err}
	}

	return &Subscription{
		channel:    ch,
		queue:      queue,
		tag:        tag,
		deliveries: deliveries,
		logger:     s.logger,
	}, nil
}

// Queue returns the name of the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// Deliveries returns the raw delivery stream
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries are returned to the queue by the broker.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.channel.IsClosed() {
			return
		}
		if err := s.channel.Cancel(s.tag, false); err != nil {
			s.logger.Warn("failed to cancel consumer", "consumerTag", s.tag, "error", err)
		}
		s.closeErr = s.channel.Close()
		s.logger.Info("consumer stopped", "queue", s.queue)
	})
	return s.closeErr
}
