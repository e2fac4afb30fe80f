package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
)

// Connectivity is implemented by transports that hold a broker connection
type Connectivity interface {
	Connected() bool
}

// NewConnectionChecker reports unhealthy while conn is disconnected
func NewConnectionChecker(name string, conn Connectivity) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		result := CheckResult{Name: name, Status: StatusHealthy, Timestamp: time.Now(), Message: "connected"}
		if !conn.Connected() {
			result.Status = StatusUnhealthy
			result.Message = "broker connection is down"
		}
		return result
	})
}

// NewPendingChecker reports degraded once more than limit requests are
// waiting for a response
func NewPendingChecker(limit int, pending func() int) Checker {
	return NewCheckerFunc("pending_requests", func(ctx context.Context) CheckResult {
		n := pending()
		result := CheckResult{
			Name:      "pending_requests",
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   map[string]interface{}{"pending": n, "limit": limit},
		}
		if n > limit {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d requests pending", n)
		}
		return result
	})
}

// QueueInspector reports the depth and consumer count of a queue
type QueueInspector func(ctx context.Context) (messages, consumers int, err error)

// NewQueueChecker reports unhealthy when the queue cannot be inspected and
// degraded when nothing consumes it or more than maxMessages are waiting
func NewQueueChecker(name string, maxMessages int, inspect QueueInspector) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		result := CheckResult{Name: name, Status: StatusHealthy, Timestamp: time.Now()}
		messages, consumers, err := inspect(ctx)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = "queue inspection failed"
			result.Error = err.Error()
			return result
		}
		result.Details = map[string]interface{}{"messages": messages, "consumers": consumers}
		switch {
		case consumers == 0:
			result.Status = StatusDegraded
			result.Message = "no consumers"
		case maxMessages > 0 && messages > maxMessages:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d messages waiting", messages)
		}
		return result
	})
}

// NewCircuitChecker reports degraded while cb is not closed
func NewCircuitChecker(name string, cb *reliability.CircuitBreaker) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		state := cb.State()
		result := CheckResult{
			Name:      name,
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   map[string]interface{}{"state": state.String()},
		}
		if state != reliability.StateClosed {
			result.Status = StatusDegraded
			result.Message = "circuit is " + state.String()
		}
		return result
	})
}

// MemoryChecker watches goroutine count and heap size
type MemoryChecker struct {
	maxGoroutines int
	maxHeapMB     float64
}

// NewMemoryChecker creates a checker degrading above either limit. A zero
// limit is not checked.
func NewMemoryChecker(maxGoroutines int, maxHeapMB float64) *MemoryChecker {
	return &MemoryChecker{maxGoroutines: maxGoroutines, maxHeapMB: maxHeapMB}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := float64(m.HeapAlloc) / 1024 / 1024
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]interface{}{
			"heapMB":     heapMB,
			"goroutines": goroutines,
			"gcRuns":     m.NumGC,
		},
	}
	switch {
	case c.maxGoroutines > 0 && goroutines > c.maxGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	case c.maxHeapMB > 0 && heapMB > c.maxHeapMB:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high heap usage: %.1fMB", heapMB)
	}
	result.Duration = time.Since(start)
	return result
}
