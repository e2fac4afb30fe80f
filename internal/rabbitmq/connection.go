package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications.
// Callbacks run on their own goroutine.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens a broker connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and redials it with backoff
// after the broker or the network drops it
type ConnectionManager struct {
	url            string
	dial           Dialer
	backoff        reliability.Backoff
	maxRetries     int
	connectTimeout time.Duration
	logger         *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	closed    bool
	done      chan struct{}

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnect delay. Later attempts back off
// exponentially up to max.
func WithReconnectDelay(initial, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if initial > 0 && max >= initial {
			cm.backoff = reliability.NewBackoff(initial, max)
		}
	}
}

// WithMaxRetries bounds the reconnect attempts after a drop. Zero or less
// retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if timeout > 0 {
			cm.connectTimeout = timeout
		}
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// WithStateListener registers listener before the first connect
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.listeners = append(cm.listeners, listener)
	}
}

// NewConnectionManager creates a manager for url. Nothing is dialled until
// Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		backoff:        reliability.NewBackoff(time.Second, time.Minute),
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	closed, connected := cm.closed, cm.connected
	cm.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	if connected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	if !cm.attach(conn) {
		_ = conn.Close()
		return ErrConnectionClosed
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// GetConnection returns the live connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// IsConnected reports whether a connection is currently up
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.connected = false
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// AddStateListener registers a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	dialed := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		dialed <- result{conn, err}
	}()

	select {
	case r := <-dialed:
		return r.conn, r.err
	case <-ctx.Done():
		// a late connection must not leak
		go func() {
			if r := <-dialed; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrConnectionTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// attach installs conn as the live connection and starts watching it. It
// fails once the manager is closed.
func (cm *ConnectionManager) attach(conn *amqp.Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return false
	}
	cm.conn = conn
	cm.connected = true
	go cm.watch(conn)
	return true
}

func (cm *ConnectionManager) watch(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	var cause error
	select {
	case amqpErr := <-notify:
		if amqpErr != nil {
			cause = amqpErr
		}
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
		cm.connected = false
	}
	closed := cm.closed
	cm.mu.Unlock()
	if closed {
		return
	}

	cm.logger.Error("connection to RabbitMQ lost", "error", cause)
	cm.notifyDisconnected(cause)
	cm.reconnect()
}

func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	attempts := 0
	err := reliability.Retry(ctx, "reconnect", cm.backoff, cm.maxRetries, func(ctx context.Context) error {
		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts, "maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempts)

		conn, err := cm.dialWithTimeout(ctx)
		if err != nil {
			cm.logger.Warn("reconnection failed", "error", err, "attempt", attempts)
			return err
		}
		if !cm.attach(conn) {
			_ = conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		return nil
	})

	if err == nil {
		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempts, "duration", time.Since(started))
		cm.notifyConnected()
		return
	}

	select {
	case <-cm.done:
		return
	default:
	}
	cm.logger.Error("giving up reconnecting to RabbitMQ", "error", err, "attempts", attempts)
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	})
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnReconnecting(attempt)
	}
}
