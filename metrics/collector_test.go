package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("counts request outcomes", func(t *testing.T) {
		c := MustNewCollector(prometheus.NewRegistry())
		c.RecordRequest("Ping", "success", 10*time.Millisecond)
		c.RecordRequest("Ping", "success", 20*time.Millisecond)
		c.RecordRequest("Ping", "timeout", time.Second)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("Ping", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("Ping", "timeout")))
		assert.Equal(t, 1, testutil.CollectAndCount(c.requestDuration))
	})

	t.Run("tracks pending and unmatched", func(t *testing.T) {
		c := MustNewCollector(prometheus.NewRegistry())
		c.SetPending(3)
		c.SetPending(1)
		c.RecordUnmatchedResponse()

		err := testutil.CollectAndCompare(c.pending, strings.NewReader(`
# HELP mmate_rpc_pending_requests Requests waiting for a response.
# TYPE mmate_rpc_pending_requests gauge
mmate_rpc_pending_requests 1
`))
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.unmatched))
	})

	t.Run("labels publish and consume results", func(t *testing.T) {
		c := MustNewCollector(prometheus.NewRegistry())
		c.RecordPublish("mmate.requests", time.Millisecond, nil)
		c.RecordPublish("mmate.requests", time.Millisecond, errors.New("nack"))
		c.RecordConsume("mmate.responses", time.Millisecond, nil)

		err := testutil.CollectAndCompare(c.published, strings.NewReader(`
# HELP mmate_rpc_published_total Messages handed to the transport by topic and result.
# TYPE mmate_rpc_published_total counter
mmate_rpc_published_total{result="error",topic="mmate.requests"} 1
mmate_rpc_published_total{result="ok",topic="mmate.requests"} 1
`))
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.consumed.WithLabelValues("mmate.responses", "ok")))
	})

	t.Run("circuit state", func(t *testing.T) {
		c := MustNewCollector(prometheus.NewRegistry())
		c.RecordCircuitState("publish", true)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitOpen.WithLabelValues("publish")))
		c.RecordCircuitState("publish", false)
		assert.Equal(t, 0.0, testutil.ToFloat64(c.circuitOpen.WithLabelValues("publish")))
	})

	t.Run("collectors on one registry share series", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		first, err := NewCollector(reg)
		require.NoError(t, err)
		second, err := NewCollector(reg)
		require.NoError(t, err)

		second.RecordRequest("Ping", "success", time.Millisecond)
		assert.Equal(t, 1.0, testutil.ToFloat64(first.requests.WithLabelValues("Ping", "success")))
	})

	t.Run("conflicting registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Something else.",
		}))
		_, err := NewCollector(reg)
		assert.Error(t, err)
	})

	t.Run("wrapped registerers keep clients apart", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		a := MustNewCollector(prometheus.WrapRegistererWith(prometheus.Labels{"client": "a"}, reg))
		b := MustNewCollector(prometheus.WrapRegistererWith(prometheus.Labels{"client": "b"}, reg))
		a.SetPending(2)
		b.SetPending(5)

		assert.Equal(t, 2.0, testutil.ToFloat64(a.pending))
		assert.Equal(t, 5.0, testutil.ToFloat64(b.pending))
	})
}
