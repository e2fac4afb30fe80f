package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrNilMessage = errors.New("messaging: message is nil")

// PublishError is returned when the transport rejects a message
type PublishError struct {
	Topic     string
	MessageID string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish message %s to %s: %v", e.MessageID, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// PublishResult is the outcome of publishing to one topic in PublishAll
type PublishResult struct {
	Topic string
	Err   error
}

// Producer publishes contracts messages through a Transport
type Producer struct {
	transport      Transport
	codec          serialization.Codec
	limiter        *rate.Limiter
	circuitBreaker *reliability.CircuitBreaker
	metrics        MetricsCollector
	logger         *slog.Logger
}

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithCodec sets the codec messages are encoded with. JSON is the default.
func WithCodec(codec serialization.Codec) ProducerOption {
	return func(p *Producer) {
		if codec != nil {
			p.codec = codec
		}
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithRateLimit caps publishing at limit messages per second with the given
// burst. Publish blocks until a token is available or its context ends.
func WithRateLimit(limit rate.Limit, burst int) ProducerOption {
	return func(p *Producer) {
		if limit > 0 {
			p.limiter = rate.NewLimiter(limit, max(burst, 1))
		}
	}
}

// WithCircuitBreaker fails publishes fast while the breaker is open
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ProducerOption {
	return func(p *Producer) {
		p.circuitBreaker = cb
	}
}

// WithProducerMetrics sets the metrics collector
func WithProducerMetrics(metrics MetricsCollector) ProducerOption {
	return func(p *Producer) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// NewProducer creates a producer on transport
func NewProducer(transport Transport, options ...ProducerOption) *Producer {
	p := &Producer{
		transport: transport,
		codec:     serialization.JSONCodec{},
		metrics:   NoOpMetricsCollector{},
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Codec returns the codec the producer encodes with
func (p *Producer) Codec() serialization.Codec {
	return p.codec
}

// Publish encodes msg and publishes it to topic. A message without a
// correlation ID is published with a fresh one.
func (p *Producer) Publish(ctx context.Context, topic string, msg contracts.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	out, err := p.encode(withCorrelationID(msg))
	if err != nil {
		return err
	}
	return p.publish(ctx, topic, out)
}

// PublishAll publishes msg to every topic concurrently. A failure on one
// topic does not stop the others; every topic gets a result, in order.
func (p *Producer) PublishAll(ctx context.Context, msg contracts.Message, topics ...string) []PublishResult {
	results := make([]PublishResult, len(topics))
	for i, topic := range topics {
		results[i].Topic = topic
	}
	if msg == nil {
		for i := range results {
			results[i].Err = ErrNilMessage
		}
		return results
	}

	out, err := p.encode(withCorrelationID(msg))
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	var g errgroup.Group
	for i, topic := range topics {
		g.Go(func() error {
			if topic == "" {
				results[i].Err = ErrEmptyTopic
				return nil
			}
			results[i].Err = p.publish(ctx, topic, out)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Producer) encode(msg contracts.Message) (Outbound, error) {
	body, err := p.codec.Encode(msg)
	if err != nil {
		return Outbound{}, fmt.Errorf("failed to encode message %s: %w", msg.GetID(), err)
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Outbound{
		MessageID:     msg.GetID(),
		MessageType:   msg.GetType(),
		CorrelationID: msg.GetCorrelationID(),
		ContentType:   p.codec.ContentType(),
		Timestamp:     ts,
		Body:          body,
	}, nil
}

func (p *Producer) publish(ctx context.Context, topic string, out Outbound) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return &PublishError{Topic: topic, MessageID: out.MessageID, Err: err}
		}
	}

	send := func(ctx context.Context) error {
		return p.transport.Publish(ctx, topic, out)
	}

	start := time.Now()
	var err error
	if p.circuitBreaker != nil {
		err = p.circuitBreaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	p.metrics.RecordPublish(topic, time.Since(start), err)

	if err != nil {
		p.logger.Error("failed to publish message",
			"messageId", out.MessageID,
			"messageType", out.MessageType,
			"topic", topic,
			"error", err)
		return &PublishError{Topic: topic, MessageID: out.MessageID, Err: err}
	}

	p.logger.Debug("published message",
		"messageId", out.MessageID,
		"messageType", out.MessageType,
		"correlationId", out.CorrelationID,
		"topic", topic)
	return nil
}

func withCorrelationID(msg contracts.Message) contracts.Message {
	if msg.GetCorrelationID() != "" {
		return msg
	}
	switch m := msg.(type) {
	case *contracts.Request:
		return m.WithCorrelationID(uuid.New().String())
	case *contracts.Response:
		return m.WithCorrelationID(uuid.New().String())
	}
	return msg
}
