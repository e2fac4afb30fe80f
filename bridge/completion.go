package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

var errCompletionCancelled = errors.New("bridge: completion cancelled")

// Completion is the single-assignment result of one outstanding request.
// The first Complete or Cancel wins; later calls report false and change
// nothing.
type Completion struct {
	requestID string
	createdAt time.Time

	once sync.Once
	done chan struct{}
	resp *contracts.Response
}

// NewCompletion creates an unresolved completion for requestID
func NewCompletion(requestID string) *Completion {
	return &Completion{
		requestID: requestID,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// RequestID returns the ID the completion was created for
func (c *Completion) RequestID() string {
	return c.requestID
}

// Complete resolves the completion with resp
func (c *Completion) Complete(resp *contracts.Response) bool {
	won := false
	c.once.Do(func() {
		c.resp = resp
		won = true
		close(c.done)
	})
	return won
}

// Cancel resolves the completion without a response
func (c *Completion) Cancel() bool {
	won := false
	c.once.Do(func() {
		won = true
		close(c.done)
	})
	return won
}

// Done is closed once the completion is resolved
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Response returns the response if the completion was resolved by Complete
func (c *Completion) Response() (*contracts.Response, bool) {
	select {
	case <-c.done:
		return c.resp, c.resp != nil
	default:
		return nil, false
	}
}

// Wait blocks until the completion is resolved or ctx is done. When ctx ends
// first the completion is cancelled, unless a response got there before the
// cancellation did, in which case that response is returned.
func (c *Completion) Wait(ctx context.Context) (*contracts.Response, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		if c.Cancel() {
			return nil, ctx.Err()
		}
	}
	if resp, ok := c.Response(); ok {
		return resp, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errCompletionCancelled
}
