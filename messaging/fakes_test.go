package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockTransport struct {
	mock.Mock
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (m *mockTransport) Publish(ctx context.Context, topic string, msg Outbound) error {
	args := m.Called(ctx, topic, msg)
	return args.Error(0)
}

// Subscribe hands out the next scripted subscription. A nil entry means the
// call fails with the scripted error.
func (m *mockTransport) Subscribe(ctx context.Context, topic string, opts SubscriptionOptions) (Subscription, error) {
	args := m.Called(ctx, topic, opts)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	sub := args.Get(0).(*fakeSubscription)
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return sub, nil
}

func (m *mockTransport) subscriptions() []*fakeSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeSubscription(nil), m.subs...)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

type fakeSubscription struct {
	ch     chan Delivery
	closed atomic.Bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan Delivery, 16)}
}

func (s *fakeSubscription) Deliveries() <-chan Delivery { return s.ch }

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDelivery struct {
	topic    string
	body     []byte
	headers  map[string]interface{}
	acked    atomic.Int32
	rejected atomic.Int32
}

func newFakeDelivery(id string, body string) *fakeDelivery {
	return &fakeDelivery{
		topic:   "orders",
		body:    []byte(body),
		headers: map[string]interface{}{HeaderMessageID: id},
	}
}

func (d *fakeDelivery) Topic() string                   { return d.topic }
func (d *fakeDelivery) Body() []byte                    { return d.body }
func (d *fakeDelivery) Headers() map[string]interface{} { return d.headers }

func (d *fakeDelivery) Acknowledge() error {
	d.acked.Add(1)
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.rejected.Add(1)
	return nil
}

type recordingMetrics struct {
	NoOpMetricsCollector
	mu       sync.Mutex
	publish  []error
	consumed []error
}

func (r *recordingMetrics) RecordPublish(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish = append(r.publish, err)
}

func (r *recordingMetrics) RecordConsume(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed = append(r.consumed, err)
}

func (r *recordingMetrics) consumeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumed)
}
