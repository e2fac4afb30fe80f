package messaging

import (
	"context"
	"errors"
	"time"
)

// Header names stamped on every published message
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
	HeaderTimestamp     = "timestamp"
	HeaderContentType   = "content-type"
)

var (
	ErrTransportClosed = errors.New("messaging: transport is closed")
	ErrEmptyTopic      = errors.New("messaging: topic is required")
)

// Outbound is an encoded message ready for a transport
type Outbound struct {
	MessageID     string
	MessageType   string
	CorrelationID string
	ContentType   string
	Timestamp     time.Time
	Body          []byte
}

// Headers returns the routing headers for o
func (o Outbound) Headers() map[string]interface{} {
	return map[string]interface{}{
		HeaderMessageID:     o.MessageID,
		HeaderMessageType:   o.MessageType,
		HeaderCorrelationID: o.CorrelationID,
		HeaderTimestamp:     o.Timestamp.UTC().Format(time.RFC3339Nano),
		HeaderContentType:   o.ContentType,
	}
}

// Delivery is a message received from a transport
type Delivery interface {
	// Topic returns the topic the message was published to
	Topic() string

	// Body returns the encoded message
	Body() []byte

	// Headers returns the message headers
	Headers() map[string]interface{}

	// Acknowledge marks the message as processed
	Acknowledge() error

	// Reject hands the message back to the broker
	Reject(requeue bool) error
}

// HeaderString returns header key of d as a string, or "" when absent
func HeaderString(d Delivery, key string) string {
	if v, ok := d.Headers()[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case []byte:
			return string(s)
		}
	}
	return ""
}

// SubscriptionOptions configures Transport.Subscribe
type SubscriptionOptions struct {
	// Group names the consumer group. Members of one group share the
	// topic's messages; every group receives its own copy.
	Group string

	// Prefetch bounds the unacknowledged deliveries held by the subscriber
	Prefetch int

	// Exclusive subscriptions are removed when the subscriber goes away
	Exclusive bool
}

// Subscription is a live stream of deliveries. The channel is closed when the
// subscription ends, either through Close or because the transport lost it.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Transport moves encoded messages between topics and subscribers
type Transport interface {
	// Publish delivers msg to every group subscribed to topic
	Publish(ctx context.Context, topic string, msg Outbound) error

	// Subscribe joins the consumer group in opts on topic
	Subscribe(ctx context.Context, topic string, opts SubscriptionOptions) (Subscription, error)

	// Close releases the transport
	Close() error
}
