package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out channels in publisher confirm mode. A channel is used
// by one goroutine between Get and Put.
type ChannelPool struct {
	manager        *ConnectionManager
	idle           chan *PooledChannel
	maxSize        int
	minSize        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	open   int
	closed bool
	done   chan struct{}
}

// PooledChannel is an AMQP channel owned by a pool
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize caps the number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets how many channels are opened up front and kept through
// idle cleanup
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout closes channels unused for longer than timeout
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithAcquireTimeout bounds the wait for a free channel when the pool is at
// its maximum size
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a pool over manager and opens minSize channels
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	cp := &ChannelPool{
		manager:        manager,
		maxSize:        10,
		minSize:        1,
		idleTimeout:    5 * time.Minute,
		acquireTimeout: 5 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(cp)
	}

	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if cp.minSize < 0 || cp.minSize > cp.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}
	cp.idle = make(chan *PooledChannel, cp.maxSize)

	for i := 0; i < cp.minSize; i++ {
		ch, err := cp.createChannel()
		if err != nil {
			cp.drain()
			return nil, err
		}
		cp.idle <- ch
	}

	if cp.idleTimeout > 0 {
		go cp.cleanupIdle()
	}
	return cp, nil
}

// Get takes a channel from the pool, opening one when none is idle and the
// pool is below its maximum
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if err := cp.checkOpen(); err != nil {
		return nil, err
	}

	if ch := cp.takeIdle(); ch != nil {
		return ch, nil
	}
	if cp.reserve() {
		ch, err := cp.createReserved(ctx)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	timer := time.NewTimer(cp.acquireTimeout)
	defer timer.Stop()
	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				if cp.reserve() {
					return cp.createReserved(ctx)
				}
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted}
		case <-cp.done:
			return nil, ErrChannelPoolClosed
		}
	}
}

// Put returns ch to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() {
		cp.release()
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		_ = ch.Close()
		cp.open--
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.idle <- ch:
	default:
		_ = ch.Close()
		cp.open--
	}
}

// Execute runs fn on a pooled channel. A panic in fn is returned as an error
// and the channel is discarded.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &ChannelError{Op: "execute", ChannelID: ch.id, Err: fmt.Errorf("panic: %v", r)}
			_ = ch.Close()
		}
		cp.Put(ch)
	}()

	return fn(ch.Channel)
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes every idle channel. Channels in use are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	cp.drain()
	return nil
}

func (cp *ChannelPool) checkOpen() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return ErrChannelPoolClosed
	}
	return nil
}

func (cp *ChannelPool) takeIdle() *PooledChannel {
	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch
		default:
			return nil
		}
	}
}

// reserve claims a slot for a new channel
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.open >= cp.maxSize {
		return false
	}
	cp.open++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.open--
	cp.mu.Unlock()
}

func (cp *ChannelPool) createReserved(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err}
	}
	ch, err := cp.openChannel()
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

// createChannel opens a channel and counts it
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	if !cp.reserve() {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: ErrChannelPoolExhausted}
	}
	ch, err := cp.openChannel()
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

func (cp *ChannelPool) openChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err}
	}
	id := uuid.NewString()
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err}
	}

	return &PooledChannel{Channel: ch, id: id, lastUsed: time.Now()}, nil
}

func (cp *ChannelPool) drain() {
	for {
		select {
		case ch := <-cp.idle:
			_ = ch.Close()
			cp.release()
		default:
			return
		}
	}
}

func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(cp.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
		closed := 0
	scan:
		for {
			select {
			case ch := <-cp.idle:
				if ch.IsClosed() || (ch.lastUsed.Before(cutoff) && cp.Size()-closed > cp.minSize) {
					_ = ch.Close()
					closed++
					continue
				}
				keep = append(keep, ch)
			default:
				break scan
			}
		}
		for range closed {
			cp.release()
		}
		for _, ch := range keep {
			cp.Put(ch)
		}
		if closed > 0 {
			cp.logger.Debug("closed idle channels", "count", closed, "open", cp.Size())
		}
	}
}
