package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrSubscriptionClosed  = errors.New("rabbitmq: subscription is closed")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError describes a failed dial or redial
type ConnectionError struct {
	Op        string
	URL       string // sanitized
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError describes a channel that could not be opened or used
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError describes a publish the broker did not accept
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to %s/%s: %v", e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError describes a failed exchange, queue or binding declaration
type TopologyError struct {
	Component string
	Name      string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to declare %s %q: %v", e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL masks the password of a broker URL so it can be logged
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
