package messaging

import "time"

// Request outcomes reported to MetricsCollector.RecordRequest
const (
	OutcomeSuccess       = "success"
	OutcomeFailure       = "failure"
	OutcomeTimeout       = "timeout"
	OutcomeCancelled     = "cancelled"
	OutcomePublishFailed = "publish_failed"
)

// MetricsCollector receives messaging and request/response measurements
type MetricsCollector interface {
	RecordPublish(topic string, duration time.Duration, err error)
	RecordConsume(topic string, duration time.Duration, err error)
	RecordRequest(requestType, outcome string, duration time.Duration)
	SetPending(n int)
	RecordUnmatchedResponse()
	RecordCircuitState(name string, open bool)
}

// NoOpMetricsCollector discards everything
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPublish(string, time.Duration, error) {}
func (NoOpMetricsCollector) RecordConsume(string, time.Duration, error) {}
func (NoOpMetricsCollector) RecordRequest(string, string, time.Duration) {}
func (NoOpMetricsCollector) SetPending(int) {}
func (NoOpMetricsCollector) RecordUnmatchedResponse() {}
func (NoOpMetricsCollector) RecordCircuitState(string, bool) {}
