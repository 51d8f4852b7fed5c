// Package event provides a generic one-to-many broadcast primitive used by
// assets/heap as its UpdateSignal: a stream of (type, id, State) asset
// transitions that diagnostic taps can subscribe to without polling the
// heap. Adapted from the teacher's go-ethereum-derived event.Feed — that
// version predates generics and type-checks subscribers with reflection at
// Send time; this one pushes the type check to compile time via a type
// parameter and drops the reflection entirely.
package event

import "sync"

// Feed broadcasts values of type T to every current subscriber. The zero
// value is ready to use.
type Feed[T any] struct {
	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

// Subscribe registers a new subscriber with the given channel buffer depth
// and returns a handle used to read values and to unsubscribe.
func (f *Feed[T]) Subscribe(buffer int) *Subscription[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*Subscription[T]]struct{})
	}
	sub := &Subscription[T]{
		feed: f,
		ch:   make(chan T, buffer),
		err:  make(chan error),
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers v to every current subscriber. Delivery is non-blocking: a
// subscriber whose buffer is full misses the update rather than stalling
// the sender, appropriate for a diagnostic/log tap rather than a
// correctness-critical channel. Send returns the number of subscribers the
// value was actually delivered to.
func (f *Feed[T]) Send(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for sub := range f.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (f *Feed[T]) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed[T]) remove(sub *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}
