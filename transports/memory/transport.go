// Package memory is an in-process messaging.Transport. Members of a consumer
// group share a topic round-robin and every group gets its own copy. Messages
// published to a group with no live member are dropped.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/messaging"
)

// Transport routes messages between subscribers in one process
type Transport struct {
	mu     sync.Mutex
	topics map[string]map[string]*group
	closed bool
	seq    uint64
	buffer int
	logger *slog.Logger
}

// Option configures a Transport
type Option func(*Transport)

// WithBuffer sets the per-subscription delivery buffer. Publish blocks while
// the chosen subscriber's buffer is full.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.buffer = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates an empty in-memory transport
func NewTransport(options ...Option) *Transport {
	t := &Transport{
		topics: make(map[string]map[string]*group),
		buffer: 64,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

type group struct {
	members []*subscription
	next    int
}

func (g *group) pick() *subscription {
	if len(g.members) == 0 {
		return nil
	}
	s := g.members[g.next%len(g.members)]
	g.next++
	return s
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, msg messaging.Outbound) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return messaging.ErrTransportClosed
	}
	targets := make(map[string]*subscription)
	for name, g := range t.topics[topic] {
		if s := g.pick(); s != nil {
			targets[name] = s
		}
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		t.logger.Debug("no subscribers for topic", "topic", topic, "messageId", msg.MessageID)
		return nil
	}

	for name, s := range targets {
		d := &delivery{
			transport: t,
			topic:     topic,
			group:     name,
			body:      append([]byte(nil), msg.Body...),
			headers:   msg.Headers(),
		}
		if err := s.send(ctx, d); err != nil {
			return fmt.Errorf("failed to deliver to group %s: %w", name, err)
		}
	}
	return nil
}

// Subscribe implements messaging.Transport. An exclusive subscription or an
// empty group gets a private group of its own.
func (t *Transport) Subscribe(ctx context.Context, topic string, opts messaging.SubscriptionOptions) (messaging.Subscription, error) {
	if topic == "" {
		return nil, messaging.ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, messaging.ErrTransportClosed
	}

	name := opts.Group
	if name == "" || opts.Exclusive {
		t.seq++
		name = fmt.Sprintf("private-%d", t.seq)
	}
	groups, ok := t.topics[topic]
	if !ok {
		groups = make(map[string]*group)
		t.topics[topic] = groups
	}
	g, ok := groups[name]
	if !ok {
		g = &group{}
		groups[name] = g
	}

	s := &subscription{
		transport: t,
		topic:     topic,
		group:     name,
		ch:        make(chan messaging.Delivery, t.buffer),
		done:      make(chan struct{}),
	}
	g.members = append(g.members, s)

	t.logger.Debug("subscribed", "topic", topic, "group", name, "members", len(g.members))
	return s, nil
}

// Close ends every subscription. Later calls fail with
// messaging.ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var subs []*subscription
	for _, groups := range t.topics {
		for _, g := range groups {
			subs = append(subs, g.members...)
		}
	}
	t.topics = make(map[string]map[string]*group)
	t.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	return nil
}

// Groups returns the number of live members of each group on topic
func (t *Transport) Groups(topic string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.topics[topic]))
	for name, g := range t.topics[topic] {
		out[name] = len(g.members)
	}
	return out
}

// Disconnect ends every subscription on topic as if the broker dropped them.
// Subscribers see their delivery channel close.
func (t *Transport) Disconnect(topic string) {
	t.mu.Lock()
	groups := maps.Clone(t.topics[topic])
	t.mu.Unlock()

	for _, g := range groups {
		t.mu.Lock()
		members := append([]*subscription(nil), g.members...)
		t.mu.Unlock()
		for _, s := range members {
			_ = s.Close()
		}
	}
}

func (t *Transport) remove(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.topics[s.topic][s.group]
	if !ok {
		return
	}
	for i, m := range g.members {
		if m == s {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
}

func (t *Transport) requeue(d *delivery) {
	t.mu.Lock()
	var s *subscription
	if g, ok := t.topics[d.topic][d.group]; ok {
		s = g.pick()
	}
	t.mu.Unlock()

	if s == nil {
		t.logger.Warn("dropping requeued message, group has no members",
			"topic", d.topic, "group", d.group)
		return
	}
	redelivered := &delivery{transport: t, topic: d.topic, group: d.group, body: d.body, headers: d.headers}
	go func() {
		_ = s.send(context.Background(), redelivered)
	}()
}

type subscription struct {
	transport *Transport
	topic     string
	group     string

	// mu guards ch against being closed while a send is in progress
	mu       sync.RWMutex
	ch       chan messaging.Delivery
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

func (s *subscription) Deliveries() <-chan messaging.Delivery {
	return s.ch
}

func (s *subscription) Close() error {
	s.transport.remove(s)
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *subscription) send(ctx context.Context, d messaging.Delivery) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- d:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type delivery struct {
	transport *Transport
	topic     string
	group     string
	body      []byte
	headers   map[string]interface{}
	settled   atomic.Bool
}

func (d *delivery) Topic() string                   { return d.topic }
func (d *delivery) Body() []byte                    { return d.body }
func (d *delivery) Headers() map[string]interface{} { return d.headers }

func (d *delivery) Acknowledge() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}

func (d *delivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if requeue {
		d.transport.requeue(d)
	}
	return nil
}
