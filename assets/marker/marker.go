package marker

import (
	"sync"
)

// Marker is a type-safe handle to a single deferred asset: a tri-state
// cache (Pending/Ready/Invalid) backed by a Promise/Future pair, plus the
// metadata the heap needs to diagnose and invalidate it (initializer
// string, dependency-validation handle, actualization log).
//
// Invariants carried from spec.md §3:
//   - I1: exactly one promise fulfillment per marker lifetime (enforced by
//     Promise itself).
//   - I2: foreground state never regresses from Ready/Invalid to Pending
//     without an explicit Refresh.
//   - I3: initializer and dep-val survive a Refresh.
//
// Reads of cached state are not lock-free: every read, including after
// Ready/Invalid, takes a short RWMutex read lock, and heap.Table offers no
// lock-free read path either.
type Marker[T any] struct {
	initializer string

	mu              sync.RWMutex
	promise         *Promise[T] // nil once transferred to the constructor task
	future          Future[T]
	foregroundState State
	foregroundVal   T
	foregroundErr   error

	depVal          DepValHandle
	log             string
	validationIndex uint64
}

// New creates a Pending marker with a fresh promise/future pair. The
// promise is transferred exactly once via TakePromise.
func New[T any](initializer string, depVal DepValHandle) *Marker[T] {
	p, f := NewPromise[T]()
	return &Marker[T]{
		initializer:     initializer,
		promise:         p,
		future:          f,
		foregroundState: Pending,
		depVal:          depVal,
	}
}

// NewReady creates a marker that is Ready immediately, for Insert(id,
// initializer, value) call sites that already have a completed value.
func NewReady[T any](initializer string, depVal DepValHandle, value T) *Marker[T] {
	p, f := NewPromise[T]()
	_ = p.SetValue(value)
	return &Marker[T]{
		initializer:     initializer,
		future:          f,
		foregroundState: Ready,
		foregroundVal:   value,
		depVal:          depVal,
	}
}

// Initializer returns the diagnostic key string (I3: stable across refresh).
func (m *Marker[T]) Initializer() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initializer
}

// DepVal returns the dependency-validation handle attached to this marker.
func (m *Marker[T]) DepVal() DepValHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.depVal
}

// Log returns the actualization log text captured on failure.
func (m *Marker[T]) Log() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// ValidationIndex returns the generation this marker's current round was
// created under (bumped by Refresh).
func (m *Marker[T]) ValidationIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validationIndex
}

// TakePromise transfers the single-use promise to a constructor task. A
// second call returns ok=false: the caller must never fulfill a promise it
// wasn't handed (invariant I1).
func (m *Marker[T]) TakePromise() (*Promise[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.promise
	m.promise = nil
	return p, p != nil
}

// AdoptFuture replaces this marker's future with one the caller already
// owns the matching promise for (heap.Table.Insert's future<T> overload:
// the constructor task, not the marker itself, holds the promise). The
// marker's own promise slot is cleared since nothing should fulfill it.
func (m *Marker[T]) AdoptFuture(f Future[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promise = nil
	m.future = f
}

// Future returns the shared future backing this marker's current round.
func (m *Marker[T]) Future() Future[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.future
}

// CheckBackground inspects the underlying future without blocking,
// observing completion as soon as the producing task finishes — the
// freshest available state, used by callers not tied to frame stability.
func (m *Marker[T]) CheckBackground() (T, State, error) {
	return m.Future().Poll()
}

// CheckForeground returns the state captured by the most recent
// VisibilityBarrier promotion (or the initial Ready value for markers
// constructed via NewReady, which are foreground-visible immediately).
func (m *Marker[T]) CheckForeground() (T, State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.foregroundVal, m.foregroundState, m.foregroundErr
}

// PromoteForeground copies the current background state into the
// foreground cache. Called by the heap at a visibility-barrier step; it is
// a no-op if the background future is still Pending.
func (m *Marker[T]) PromoteForeground() bool {
	v, state, err := m.Future().Poll()
	if state == Pending {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foregroundVal = v
	m.foregroundState = state
	m.foregroundErr = err
	if state == Invalid {
		if ce, ok := err.(*ConstructionError); ok {
			m.log = ce.Log
		} else if err != nil {
			m.log = err.Error()
		}
	}
	return true
}

// Actualize reads the Ready value, or returns PendingAssetError /
// InvalidAssetError per the glossary definition of "Actualize".
func (m *Marker[T]) Actualize() (T, error) {
	v, state, err := m.CheckForeground()
	switch state {
	case Ready:
		return v, nil
	case Pending:
		var zero T
		return zero, &PendingAssetError{Initializer: m.Initializer()}
	default:
		var zero T
		return zero, &InvalidAssetError{Initializer: m.Initializer(), DepVal: m.DepVal(), Log: m.Log()}
	}
}

// Refresh bumps the validation-index generation and replaces the
// promise/future pair with a fresh Pending round, preserving initializer
// and dep-val (I3) and discarding the previous value (I2 allows this only
// via an explicit refresh, never an implicit regression).
func (m *Marker[T]) Refresh() (*Promise[T], Future[T]) {
	p, f := NewPromise[T]()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promise = p
	m.future = f
	m.validationIndex++
	m.foregroundState = Pending
	var zero T
	m.foregroundVal = zero
	m.foregroundErr = nil
	m.log = ""
	return p, f
}
