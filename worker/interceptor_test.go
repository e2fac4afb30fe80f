package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recording(name string, calls *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, req *contracts.Request, next Handler) (bool, []byte, error) {
		*calls = append(*calls, name+":before")
		ok, payload, err := next.Handle(ctx, req)
		*calls = append(*calls, name+":after")
		return ok, payload, err
	})
}

func TestInterceptors(t *testing.T) {
	ctx := context.Background()

	t.Run("run in registration order around the handler", func(t *testing.T) {
		var calls []string
		m := NewMux()
		require.NoError(t, m.HandleFunc("Ping", func(context.Context, *contracts.Request) (bool, []byte, error) {
			calls = append(calls, "handler")
			return true, []byte("pong"), nil
		}))
		m.Use(recording("outer", &calls), recording("inner", &calls))

		ok, payload, err := m.Serve(ctx, &contracts.Request{Type: "Ping"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "pong", string(payload))
		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, calls)
	})

	t.Run("skipped for unknown types", func(t *testing.T) {
		var calls []string
		m := NewMux()
		m.Use(recording("outer", &calls))

		_, _, err := m.Serve(ctx, &contracts.Request{Type: "Launch"})
		assert.ErrorIs(t, err, ErrUnknownType)
		assert.Empty(t, calls)
	})

	t.Run("filter refuses unlisted sources", func(t *testing.T) {
		m := NewMux()
		require.NoError(t, m.HandleFunc("Ping", ping))
		m.Use(NewFilteringInterceptor(SourceFilter("billing")))

		_, _, err := m.Serve(ctx, &contracts.Request{Type: "Ping", Source: "unknown"})
		assert.ErrorIs(t, err, ErrRequestFiltered)

		ok, _, err := m.Serve(ctx, &contracts.Request{Type: "Ping", Source: "billing"})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("filter errors fail the request", func(t *testing.T) {
		broken := RequestFilterFunc(func(context.Context, *contracts.Request) (bool, error) {
			return false, errors.New("acl lookup failed")
		})
		_, _, err := NewFilteringInterceptor(broken).Intercept(ctx, &contracts.Request{}, HandlerFunc(ping))
		assert.ErrorContains(t, err, "acl lookup failed")
	})

	t.Run("timeout reports handlers that overrun", func(t *testing.T) {
		slow := HandlerFunc(func(ctx context.Context, _ *contracts.Request) (bool, []byte, error) {
			<-ctx.Done()
			return true, nil, nil
		})
		_, _, err := NewTimeoutInterceptor(10*time.Millisecond).Intercept(ctx, &contracts.Request{}, slow)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		ok, _, err := NewTimeoutInterceptor(0).Intercept(ctx, &contracts.Request{}, HandlerFunc(ping))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("logging records failures", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		failing := HandlerFunc(func(context.Context, *contracts.Request) (bool, []byte, error) {
			return false, nil, errors.New("stock service down")
		})

		_, _, err := NewLoggingInterceptor(logger).Intercept(ctx, &contracts.Request{ID: "r1", Type: "Reserve"}, failing)
		assert.Error(t, err)
		assert.Contains(t, buf.String(), "request handling failed")
		assert.Contains(t, buf.String(), "requestId=r1")
	})
}
