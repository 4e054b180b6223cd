// Package pending implements an outstanding-call registry.
//
// A Registry maps short-lived call ids to a waiting caller and an optional
// deadline. Each call is settled exactly once: by Resolve, by Reject, by its
// own timer firing, or by RejectAll/Close when the owner shuts down. Settling
// an id that is no longer registered is a no-op that reports false, which is
// how late responses for timed-out calls are detected and dropped.
//
// Thread safety: all methods are safe for concurrent use.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("pending: registry closed")

// Result is the outcome delivered to a waiting caller.
type Result[T any] struct {
	Value T
	Err   error
}

// TimeoutFunc builds the error delivered when a call's deadline passes.
// elapsed is the time since Begin.
type TimeoutFunc func(elapsed time.Duration) error

// Registry tracks outstanding calls whose results carry a value of type T.
type Registry[T any] struct {
	mu     sync.Mutex
	calls  map[string]*Call[T]
	closed error
}

// Call is a single outstanding call.
type Call[T any] struct {
	// ID is unique among the calls currently outstanding in the registry.
	ID string

	// Started is when the call was registered.
	Started time.Time

	reg   *Registry[T]
	ch    chan Result[T]
	timer *time.Timer
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{calls: make(map[string]*Call[T])}
}

// Begin registers a new call with a fresh id.
// If timeout is positive, the call is rejected with onTimeout's error once it
// elapses; a nil onTimeout yields context.DeadlineExceeded.
func (r *Registry[T]) Begin(timeout time.Duration, onTimeout TimeoutFunc) (*Call[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, r.closed
	}

	id := uuid.NewString()
	for r.calls[id] != nil {
		id = uuid.NewString()
	}

	c := &Call[T]{
		ID:      id,
		Started: time.Now(),
		reg:     r,
		ch:      make(chan Result[T], 1),
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			var err error = context.DeadlineExceeded
			if onTimeout != nil {
				err = onTimeout(time.Since(c.Started))
			}
			r.settle(id, Result[T]{Err: err})
		})
	}
	r.calls[id] = c
	return c, nil
}

// Done returns the channel the call's single result is delivered on.
func (c *Call[T]) Done() <-chan Result[T] {
	return c.ch
}

// Wait blocks until the call settles or ctx is done.
// On context cancellation the call is withdrawn from the registry.
func (c *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case res := <-c.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		c.reg.Cancel(c.ID)
		var zero T
		return zero, ctx.Err()
	}
}

// Resolve delivers a successful value. Reports false if id is not outstanding.
func (r *Registry[T]) Resolve(id string, v T) bool {
	return r.settle(id, Result[T]{Value: v})
}

// Reject delivers an error. Reports false if id is not outstanding.
func (r *Registry[T]) Reject(id string, err error) bool {
	return r.settle(id, Result[T]{Err: err})
}

// Cancel withdraws a call without delivering anything.
func (r *Registry[T]) Cancel(id string) bool {
	r.mu.Lock()
	c, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	if ok && c.timer != nil {
		c.timer.Stop()
	}
	return ok
}

// RejectAll rejects every outstanding call with err and returns how many
// were rejected. The registry stays usable.
func (r *Registry[T]) RejectAll(err error) int {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[string]*Call[T])
	r.mu.Unlock()

	for _, c := range calls {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.ch <- Result[T]{Err: err}
	}
	return len(calls)
}

// Close rejects every outstanding call with err and makes later Begin calls
// fail with ErrClosed.
func (r *Registry[T]) Close(err error) int {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = ErrClosed
	}
	r.mu.Unlock()
	return r.RejectAll(err)
}

// Len returns the number of outstanding calls.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Has reports whether id is outstanding.
func (r *Registry[T]) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[id]
	return ok
}

func (r *Registry[T]) settle(id string, res Result[T]) bool {
	r.mu.Lock()
	c, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	// Buffered with capacity 1 and removed from the map under lock, so this
	// send happens at most once and never blocks.
	c.ch <- res
	return true
}
