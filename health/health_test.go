package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn bool

func (c fakeConn) Connected() bool { return bool(c) }

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusHealthy))
		r.Register(fixed("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(fixed("c", StatusUnhealthy))
		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(context.Background()).Status)
	})

	t.Run("slow checks are reported unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))
		r.SetMetadata("service", "orders")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, "orders", report.Metadata["service"])
	})
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("connection", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewConnectionChecker("broker", fakeConn(true)).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewConnectionChecker("broker", fakeConn(false)).Check(ctx).Status)
	})

	t.Run("pending requests", func(t *testing.T) {
		n := 3
		c := NewPendingChecker(5, func() int { return n })
		assert.Equal(t, StatusHealthy, c.Check(ctx).Status)
		n = 6
		res := c.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, 6, res.Details["pending"])
	})

	t.Run("circuit breaker", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithOpenTimeout(time.Hour))
		c := NewCircuitChecker("producer_circuit", cb)
		assert.Equal(t, StatusHealthy, c.Check(ctx).Status)

		_ = cb.Execute(ctx, func(context.Context) error { return errors.New("broker down") })
		res := c.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, reliability.StateOpen.String(), res.Details["state"])
	})

	t.Run("queue depth", func(t *testing.T) {
		depth := func(messages, consumers int, err error) QueueInspector {
			return func(context.Context) (int, int, error) { return messages, consumers, err }
		}
		assert.Equal(t, StatusHealthy, NewQueueChecker("request_queue", 10, depth(3, 1, nil)).Check(ctx).Status)
		assert.Equal(t, StatusDegraded, NewQueueChecker("request_queue", 10, depth(11, 1, nil)).Check(ctx).Status)
		assert.Equal(t, StatusHealthy, NewQueueChecker("request_queue", 0, depth(11, 1, nil)).Check(ctx).Status)

		idle := NewQueueChecker("request_queue", 10, depth(0, 0, nil)).Check(ctx)
		assert.Equal(t, StatusDegraded, idle.Status)
		assert.Equal(t, "no consumers", idle.Message)

		failed := NewQueueChecker("request_queue", 10, depth(0, 0, errors.New("channel closed"))).Check(ctx)
		assert.Equal(t, StatusUnhealthy, failed.Status)
		assert.Equal(t, "channel closed", failed.Error)
	})

	t.Run("memory", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewMemoryChecker(0, 0).Check(ctx).Status)
		assert.Equal(t, StatusDegraded, NewMemoryChecker(1, 0).Check(ctx).Status)
	})
}

func TestHandler(t *testing.T) {
	t.Run("serves the report", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusDegraded))
		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Contains(t, report.Checks, "broker")
	})

	t.Run("unhealthy is unavailable", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))
		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
