package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to one exchange and waits for the broker to confirm
// each message
type Publisher struct {
	pool           *ChannelPool
	exchange       string
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// NewPublisher creates a publisher for exchange
func NewPublisher(pool *ChannelPool, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		exchange:       exchange,
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Exchange returns the exchange messages are published to
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Publish sends msg with routingKey and returns once the broker has confirmed
// it. Messages that match no binding are dropped by the broker.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	wrap := func(err error) error {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Err:        err,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	return p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
		if err != nil {
			return wrap(fmt.Errorf("failed to publish: %w", err))
		}
		if confirm == nil {
			return wrap(ErrPublishNotConfirmed)
		}

		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return wrap(fmt.Errorf("failed waiting for confirm: %w", err))
		}
		if !acked {
			return wrap(ErrPublishNotConfirmed)
		}
		return nil
	})
}
