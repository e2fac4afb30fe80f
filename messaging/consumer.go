package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
)

var (
	ErrConsumerRunning = errors.New("messaging: consumer is already running")
	ErrNilHandler      = errors.New("messaging: handler is nil")
	ErrHandlerPanic    = errors.New("messaging: handler panicked")
)

// Handler processes one delivery. Returning an error does not stop the
// consumer.
type Handler interface {
	Handle(ctx context.Context, delivery Delivery) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, delivery Delivery) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

// DispatchMode selects how a Consumer runs its handler
type DispatchMode int

const (
	// DispatchParallel runs the handler for each delivery on its own goroutine
	DispatchParallel DispatchMode = iota
	// DispatchSequential runs the handler for one delivery at a time, in
	// arrival order
	DispatchSequential
)

func (m DispatchMode) String() string {
	switch m {
	case DispatchParallel:
		return "parallel"
	case DispatchSequential:
		return "sequential"
	default:
		return fmt.Sprintf("DispatchMode(%d)", int(m))
	}
}

// ParseDispatchMode parses "parallel" or "sequential"
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel", "":
		return DispatchParallel, nil
	case "sequential":
		return DispatchSequential, nil
	default:
		return 0, fmt.Errorf("unknown dispatch mode %q", s)
	}
}

// AckStrategy decides what happens to a delivery after its handler returns
type AckStrategy int

const (
	// AckAlways acknowledges every delivery, failed or not
	AckAlways AckStrategy = iota
	// AckOnSuccess rejects failed deliveries without requeueing them, so the
	// broker can dead-letter them
	AckOnSuccess
)

// Consumer reads one topic as a member of a consumer group
type Consumer struct {
	transport Transport
	topic     string
	options   SubscriptionOptions
	mode      DispatchMode
	ack       AckStrategy
	backoff   reliability.Backoff
	metrics   MetricsCollector
	logger    *slog.Logger
	running   atomic.Bool

	onSubscribed func()
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithDispatchMode sets the dispatch mode. Parallel is the default.
func WithDispatchMode(mode DispatchMode) ConsumerOption {
	return func(c *Consumer) {
		c.mode = mode
	}
}

// WithGroup sets the consumer group
func WithGroup(group string) ConsumerOption {
	return func(c *Consumer) {
		c.options.Group = group
	}
}

// WithPrefetch bounds the unacknowledged deliveries in flight
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		c.options.Prefetch = n
	}
}

// WithExclusive makes the subscription private to this consumer
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.options.Exclusive = exclusive
	}
}

// WithAckStrategy sets the acknowledgement strategy. AckAlways is the default.
func WithAckStrategy(strategy AckStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.ack = strategy
	}
}

// WithResubscribeBackoff sets the delays between subscription attempts
func WithResubscribeBackoff(b reliability.Backoff) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = b
	}
}

// WithSubscribedHook calls fn every time a subscription is established,
// including after a resubscribe
func WithSubscribedHook(fn func()) ConsumerOption {
	return func(c *Consumer) {
		c.onSubscribed = fn
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// NewConsumer creates a consumer for topic
func NewConsumer(transport Transport, topic string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		transport: transport,
		topic:     topic,
		backoff:   reliability.NewBackoff(100*time.Millisecond, 10*time.Second),
		metrics:   NoOpMetricsCollector{},
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Topic returns the topic the consumer reads
func (c *Consumer) Topic() string {
	return c.topic
}

// Consume subscribes and feeds deliveries to handler until ctx is cancelled.
// Handler failures and panics are logged and do not end the loop. When the
// subscription is lost Consume subscribes again with backoff. On return every
// handler it started has finished.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if c.topic == "" {
		return ErrEmptyTopic
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrConsumerRunning
	}
	defer c.running.Store(false)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	c.logger.Info("consumer started",
		"topic", c.topic,
		"group", c.options.Group,
		"mode", c.mode.String())

	for attempt := 0; ; {
		sub, err := c.transport.Subscribe(ctx, c.topic, c.options)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := c.backoff.Delay(attempt)
			attempt++
			c.logger.Error("failed to subscribe",
				"topic", c.topic,
				"group", c.options.Group,
				"attempt", attempt,
				"retryIn", delay,
				"error", err)
			if !reliability.Sleep(ctx, delay) {
				break
			}
			continue
		}
		attempt = 0
		if c.onSubscribed != nil {
			c.onSubscribed()
		}

		lost := c.drain(ctx, sub, handler, &inflight)
		if err := sub.Close(); err != nil {
			c.logger.Warn("failed to close subscription", "topic", c.topic, "error", err)
		}
		if !lost {
			break
		}

		c.logger.Warn("subscription lost, resubscribing", "topic", c.topic, "group", c.options.Group)
		if !reliability.Sleep(ctx, c.backoff.Delay(0)) {
			break
		}
	}

	c.logger.Info("consumer stopped", "topic", c.topic, "group", c.options.Group)
	return nil
}

// drain dispatches deliveries until ctx is done or the subscription ends. It
// reports whether the subscription ended on its own.
func (c *Consumer) drain(ctx context.Context, sub Subscription, handler Handler, inflight *sync.WaitGroup) bool {
	deliveries := sub.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() == nil
			}
			if d == nil {
				c.logger.Debug("skipping empty delivery", "topic", c.topic)
				continue
			}
			if len(d.Body()) == 0 {
				c.logger.Warn("skipping delivery without body", "topic", c.topic,
					"messageId", HeaderString(d, HeaderMessageID))
				c.settle(d, nil)
				continue
			}

			if c.mode == DispatchSequential {
				c.dispatch(ctx, d, handler)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				c.dispatch(ctx, d, handler)
			}()
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d Delivery, handler Handler) {
	start := time.Now()
	err := invoke(ctx, d, handler)
	c.metrics.RecordConsume(c.topic, time.Since(start), err)

	if err != nil {
		c.logger.Error("message handler failed",
			"topic", c.topic,
			"messageId", HeaderString(d, HeaderMessageID),
			"messageType", HeaderString(d, HeaderMessageType),
			"error", err)
	}
	c.settle(d, err)
}

func (c *Consumer) settle(d Delivery, handlerErr error) {
	var err error
	if errors.Is(handlerErr, ErrMalformedMessage) || (handlerErr != nil && c.ack == AckOnSuccess) {
		err = d.Reject(false)
	} else {
		err = d.Acknowledge()
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery",
			"topic", c.topic,
			"messageId", HeaderString(d, HeaderMessageID),
			"error", err)
	}
}

func invoke(ctx context.Context, d Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.Handle(ctx, d)
}
