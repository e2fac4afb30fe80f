package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newPingRequest() *contracts.Request {
	req := contracts.NewRequest("Ping", []byte("ping"))
	req.Destination = "responses"
	return req
}

func TestProducerPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes the encoded message with routing headers", func(t *testing.T) {
		transport := &mockTransport{}
		req := newPingRequest().WithCorrelationID("trace-1")

		var sent Outbound
		transport.On("Publish", mock.Anything, "requests", mock.AnythingOfType("messaging.Outbound")).
			Run(func(args mock.Arguments) { sent = args.Get(2).(Outbound) }).
			Return(nil)

		p := NewProducer(transport)
		require.NoError(t, p.Publish(ctx, "requests", req))
		transport.AssertExpectations(t)

		assert.Equal(t, req.ID, sent.MessageID)
		assert.Equal(t, "Ping", sent.MessageType)
		assert.Equal(t, "trace-1", sent.CorrelationID)
		assert.Equal(t, "application/json", sent.ContentType)
		assert.Equal(t, req.Timestamp, sent.Timestamp)

		decoded, err := serialization.JSONCodec{}.DecodeRequest(sent.Body)
		require.NoError(t, err)
		assert.Equal(t, req.ID, decoded.ID)

		headers := sent.Headers()
		assert.Equal(t, req.ID, headers[HeaderMessageID])
		assert.Equal(t, "trace-1", headers[HeaderCorrelationID])
		assert.Equal(t, "application/json", headers[HeaderContentType])
	})

	t.Run("assigns a correlation id when missing", func(t *testing.T) {
		transport := &mockTransport{}
		req := newPingRequest()

		var sent Outbound
		transport.On("Publish", mock.Anything, "requests", mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(2).(Outbound) }).
			Return(nil)

		require.NoError(t, NewProducer(transport).Publish(ctx, "requests", req))
		assert.NotEmpty(t, sent.CorrelationID)
		assert.Empty(t, req.CorrelationID, "caller's request must not be mutated")

		decoded, err := serialization.JSONCodec{}.DecodeRequest(sent.Body)
		require.NoError(t, err)
		assert.Equal(t, sent.CorrelationID, decoded.CorrelationID)
	})

	t.Run("uses the configured codec", func(t *testing.T) {
		transport := &mockTransport{}
		var sent Outbound
		transport.On("Publish", mock.Anything, "responses", mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(2).(Outbound) }).
			Return(nil)

		resp := contracts.NewResponse(newPingRequest(), "worker", true, []byte("pong"))
		p := NewProducer(transport, WithCodec(serialization.ProtoCodec{}))
		require.NoError(t, p.Publish(ctx, "responses", resp))

		assert.Equal(t, "application/x-protobuf", sent.ContentType)
		decoded, err := serialization.ProtoCodec{}.DecodeResponse(sent.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte("pong"), decoded.Payload)
	})

	t.Run("rejects invalid input without touching the transport", func(t *testing.T) {
		transport := &mockTransport{}
		p := NewProducer(transport)

		assert.ErrorIs(t, p.Publish(ctx, "requests", nil), ErrNilMessage)
		assert.ErrorIs(t, p.Publish(ctx, "", newPingRequest()), ErrEmptyTopic)
		transport.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("wraps transport failures", func(t *testing.T) {
		transport := &mockTransport{}
		metrics := &recordingMetrics{}
		boom := errors.New("channel closed")
		transport.On("Publish", mock.Anything, "requests", mock.Anything).Return(boom)

		req := newPingRequest()
		err := NewProducer(transport, WithProducerMetrics(metrics)).Publish(ctx, "requests", req)
		assert.ErrorIs(t, err, boom)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "requests", pubErr.Topic)
		assert.Equal(t, req.ID, pubErr.MessageID)
		assert.Equal(t, []error{boom}, metrics.publish)
	})

	t.Run("circuit breaker fails fast once open", func(t *testing.T) {
		transport := &mockTransport{}
		boom := errors.New("broker down")
		transport.On("Publish", mock.Anything, "requests", mock.Anything).Return(boom).Twice()

		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2), reliability.WithOpenTimeout(time.Hour))
		p := NewProducer(transport, WithCircuitBreaker(cb))

		assert.ErrorIs(t, p.Publish(ctx, "requests", newPingRequest()), boom)
		assert.ErrorIs(t, p.Publish(ctx, "requests", newPingRequest()), boom)
		assert.ErrorIs(t, p.Publish(ctx, "requests", newPingRequest()), reliability.ErrCircuitOpen)
		transport.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("rate limit gives up when the context cannot wait", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Publish", mock.Anything, "requests", mock.Anything).Return(nil)

		p := NewProducer(transport, WithRateLimit(rate.Every(time.Hour), 1))
		require.NoError(t, p.Publish(ctx, "requests", newPingRequest()))

		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		err := p.Publish(tctx, "requests", newPingRequest())
		assert.Error(t, err)
		transport.AssertNumberOfCalls(t, "Publish", 1)
	})
}

func TestProducerPublishAll(t *testing.T) {
	transport := &mockTransport{}
	boom := errors.New("no route")
	transport.On("Publish", mock.Anything, "audit", mock.Anything).Return(nil)
	transport.On("Publish", mock.Anything, "billing", mock.Anything).Return(boom)
	transport.On("Publish", mock.Anything, "shipping", mock.Anything).Return(nil)

	p := NewProducer(transport)
	results := p.PublishAll(context.Background(), newPingRequest(), "audit", "billing", "shipping", "")

	require.Len(t, results, 4)
	assert.Equal(t, "audit", results[0].Topic)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err)
	assert.ErrorIs(t, results[3].Err, ErrEmptyTopic)

	var ids, correlations []string
	for _, call := range transport.Calls {
		out := call.Arguments.Get(2).(Outbound)
		ids = append(ids, out.MessageID)
		correlations = append(correlations, out.CorrelationID)
	}
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])
	assert.Equal(t, correlations[0], correlations[2], "every copy shares one correlation id")
}
