// Package metrics exports request/response and messaging measurements to
// Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmate_rpc"

// Collector implements messaging.MetricsCollector with Prometheus metrics
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	unmatched       prometheus.Counter
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	consumed        *prometheus.CounterVec
	circuitOpen     *prometheus.GaugeVec
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg. Metrics
// already registered with identical descriptors are shared, so several
// collectors on one registerer record into the same series.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests sent through the bridge by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from publishing a request to its outcome.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Requests waiting for a response.",
			},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unmatched_responses_total",
				Help:      "Responses that arrived for no pending request.",
			},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "published_total",
				Help:      "Messages handed to the transport by topic and result.",
			},
			[]string{"topic", "result"},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Time the transport took to accept a message.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumed_total",
				Help:      "Deliveries handled by topic and result.",
			},
			[]string{"topic", "result"},
		),
		circuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "1 while the named circuit breaker is not closed.",
			},
			[]string{"name"},
		),
	}

	var err error
	if c.requests, err = register(reg, c.requests); err != nil {
		return nil, err
	}
	if c.requestDuration, err = register(reg, c.requestDuration); err != nil {
		return nil, err
	}
	if c.pending, err = register(reg, c.pending); err != nil {
		return nil, err
	}
	if c.unmatched, err = register(reg, c.unmatched); err != nil {
		return nil, err
	}
	if c.published, err = register(reg, c.published); err != nil {
		return nil, err
	}
	if c.publishDuration, err = register(reg, c.publishDuration); err != nil {
		return nil, err
	}
	if c.consumed, err = register(reg, c.consumed); err != nil {
		return nil, err
	}
	if c.circuitOpen, err = register(reg, c.circuitOpen); err != nil {
		return nil, err
	}
	return c, nil
}

// register adds collector to reg, or returns the collector reg already holds
// under the same descriptors
func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	var zero T
	return zero, err
}

// MustNewCollector is NewCollector that panics on registration errors
func MustNewCollector(reg prometheus.Registerer) *Collector {
	c, err := NewCollector(reg)
	if err != nil {
		panic(err)
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(topic string, duration time.Duration, err error) {
	c.published.WithLabelValues(topic, result(err)).Inc()
	c.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordConsume implements messaging.MetricsCollector
func (c *Collector) RecordConsume(topic string, _ time.Duration, err error) {
	c.consumed.WithLabelValues(topic, result(err)).Inc()
}

// RecordRequest implements messaging.MetricsCollector
func (c *Collector) RecordRequest(requestType, outcome string, duration time.Duration) {
	c.requests.WithLabelValues(requestType, outcome).Inc()
	c.requestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// SetPending implements messaging.MetricsCollector
func (c *Collector) SetPending(n int) {
	c.pending.Set(float64(n))
}

// RecordUnmatchedResponse implements messaging.MetricsCollector
func (c *Collector) RecordUnmatchedResponse() {
	c.unmatched.Inc()
}

// RecordCircuitState implements messaging.MetricsCollector
func (c *Collector) RecordCircuitState(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	c.circuitOpen.WithLabelValues(name).Set(v)
}
