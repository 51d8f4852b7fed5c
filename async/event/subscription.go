package event

import "sync"

// Subscription represents a live registration with a Feed. Obtain one via
// Feed.Subscribe.
type Subscription[T any] struct {
	feed *Feed[T]
	ch   chan T
	err  chan error
	once sync.Once
}

// C returns the channel values are delivered on.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Err returns a channel that is closed when the subscription ends, mirroring
// the teacher's Subscription.Err() shutdown signal.
func (s *Subscription[T]) Err() <-chan error { return s.err }

// Unsubscribe ends the subscription and closes Err(). Idempotent.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s)
		close(s.err)
	})
}
