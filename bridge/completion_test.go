package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pong(requestID string) *contracts.Response {
	return &contracts.Response{RequestID: requestID, Origin: "worker", Success: true, Payload: []byte("pong")}
}

func TestCompletion(t *testing.T) {
	t.Run("first completion wins", func(t *testing.T) {
		c := NewCompletion("r1")
		first, second := pong("r1"), pong("r1")
		second.Payload = []byte("late")

		assert.True(t, c.Complete(first))
		assert.False(t, c.Complete(second))
		assert.False(t, c.Cancel())

		got, ok := c.Response()
		require.True(t, ok)
		assert.Same(t, first, got)
	})

	t.Run("cancel excludes completion", func(t *testing.T) {
		c := NewCompletion("r1")
		assert.True(t, c.Cancel())
		assert.False(t, c.Complete(pong("r1")))

		_, ok := c.Response()
		assert.False(t, ok)
	})

	t.Run("only one of many racing resolvers wins", func(t *testing.T) {
		c := NewCompletion("r1")
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var won bool
				if i%2 == 0 {
					won = c.Complete(pong("r1"))
				} else {
					won = c.Cancel()
				}
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("response is unavailable before resolution", func(t *testing.T) {
		_, ok := NewCompletion("r1").Response()
		assert.False(t, ok)
	})

	t.Run("wait returns the response", func(t *testing.T) {
		c := NewCompletion("r1")
		go func() {
			time.Sleep(5 * time.Millisecond)
			c.Complete(pong("r1"))
		}()

		resp, err := c.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("pong"), resp.Payload)
	})

	t.Run("wait cancels when the context ends", func(t *testing.T) {
		c := NewCompletion("r1")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := c.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, c.Complete(pong("r1")), "late response must not resolve a cancelled completion")
	})

	t.Run("a response that won the race beats the cancellation", func(t *testing.T) {
		c := NewCompletion("r1")
		ctx, cancel := context.WithCancel(context.Background())
		require.True(t, c.Complete(pong("r1")))
		cancel()

		resp, err := c.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r1", resp.RequestID)
	})

	t.Run("wait reports an external cancel", func(t *testing.T) {
		c := NewCompletion("r1")
		c.Cancel()
		_, err := c.Wait(context.Background())
		assert.ErrorIs(t, err, errCompletionCancelled)
	})
}
