// Package marker implements the typed deferred-value substrate the asset
// heap hands out to callers: a single-use Promise[T] paired with a
// many-reader Future[T], and the Marker[T] that wraps a Future with the
// tri-state cache and diagnostic metadata the heap needs.
package marker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the tri-state a Marker or a raw Future can be observed in.
type State int

const (
	// Pending means the value has not yet been produced.
	Pending State = iota
	// Ready means the value was produced successfully.
	Ready
	// Invalid means construction failed terminally for this round.
	Invalid
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// ErrAlreadyFulfilled is returned by a second SetValue/SetError call on the
// same Promise. Invariant I1 requires exactly one fulfillment per marker
// lifetime; a caller hitting this has a bug in its construction path.
var ErrAlreadyFulfilled = errors.New("marker: promise already fulfilled")

// Promise is a single-use, write-once handle. It is handed to exactly one
// constructor task (auto-construct dispatch, §4.6) and must not be reused
// across a refresh; a refresh allocates a fresh Promise/Future pair.
type Promise[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	fulfilled bool
	val       T
	err       error
	state     State
}

// NewPromise allocates a Pending promise and its paired Future.
func NewPromise[T any]() (*Promise[T], Future[T]) {
	p := &Promise[T]{done: make(chan struct{}), state: Pending}
	return p, Future[T]{p: p}
}

// SetValue fulfills the promise with a successful value. Calling it more
// than once (on this promise, or after SetError) returns ErrAlreadyFulfilled
// and has no further effect.
func (p *Promise[T]) SetValue(v T) error {
	p.mu.Lock()
	if p.fulfilled {
		p.mu.Unlock()
		return ErrAlreadyFulfilled
	}
	p.fulfilled = true
	p.val = v
	p.state = Ready
	p.mu.Unlock()
	close(p.done)
	return nil
}

// SetError fulfills the promise with a terminal error (Invalid state).
func (p *Promise[T]) SetError(err error) error {
	p.mu.Lock()
	if p.fulfilled {
		p.mu.Unlock()
		return ErrAlreadyFulfilled
	}
	p.fulfilled = true
	p.err = err
	p.state = Invalid
	p.mu.Unlock()
	close(p.done)
	return nil
}

// Future returns the reader side of this promise. Safe to call repeatedly
// and to share the result across goroutines.
func (p *Promise[T]) Future() Future[T] { return Future[T]{p: p} }

// Future is the read side of a Promise. The zero value is not usable; get
// one from NewPromise or Promise.Future.
type Future[T any] struct {
	p *Promise[T]
}

// Done returns a channel closed when the future resolves (Ready or
// Invalid). Satisfies the Waitable interface the continuation engine polls.
func (f Future[T]) Done() <-chan struct{} {
	if f.p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.p.done
}

// Poll performs a non-blocking check of the current state.
func (f Future[T]) Poll() (T, State, error) {
	if f.p == nil {
		var zero T
		return zero, Invalid, errors.New("marker: empty future")
	}
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	return f.p.val, f.p.state, f.p.err
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.Done():
		v, state, err := f.Poll()
		if state == Invalid {
			return v, err
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitFor blocks up to d. On timeout it returns State Pending and a nil
// error, per spec.md §5 ("on timeout the state is reported as still
// Pending, no exception").
func (f Future[T]) WaitFor(d time.Duration) (T, State, error) {
	return f.WaitUntil(time.Now().Add(d))
}

// WaitUntil blocks until deadline. On timeout it returns State Pending.
func (f Future[T]) WaitUntil(deadline time.Time) (T, State, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-f.Done():
		return f.Poll()
	case <-timer.C:
		var zero T
		return zero, Pending, nil
	}
}
