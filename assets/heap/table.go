// Package heap implements the typed, sharded asset table (spec.md §4.1):
// AssetHeap and its per-type Table[T], with the background/foreground
// visibility-barrier split that lets a frame-in-progress iterate a stable
// snapshot while builds keep completing behind it.
package heap

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/talonforge/assetcache/assets/marker"
)

var log = logrus.WithField("prefix", "heap")

// barrierNotVisible is the "∞" sentinel of invariant T5: a slot not yet
// promoted to foreground-visible at any barrier.
const barrierNotVisible = math.MaxUint64

// row is one entry of a Table[T]'s parallel-column storage, conceptually
// collapsed into a struct for clarity; Table keeps rows sorted by id (T1).
type row[T any] struct {
	id              uint64
	m               *marker.Marker[T]
	barrierID       uint64 // T5
	validationIndex uint64 // T3: bumped whenever this slot is overwritten
}

// Table is the per-type storage backing AssetHeap. The zero value is not
// usable; construct with newTable.
type Table[T any] struct {
	mu   sync.RWMutex
	rows []row[T] // sorted by id (T1)

	stallWG      sync.WaitGroup
	shuttingDown bool
	shutdownCh   chan struct{}
}

func newTable[T any]() *Table[T] {
	return &Table[T]{shutdownCh: make(chan struct{})}
}

func (t *Table[T]) find(id uint64) int {
	return sort.Search(len(t.rows), func(i int) bool { return t.rows[i].id >= id })
}

// Insert installs a Pending entry backed by future. If an entry for id
// already exists, it is overwritten in place and its validation-index
// bumps (T3); any slow completion of the old future is later dropped by
// CheckCompletion's index comparison (P3).
func (t *Table[T]) Insert(id uint64, initializer string, depVal marker.DepValHandle, future marker.Future[T]) *marker.Marker[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(id, initializer, depVal, future)
}

// InsertLocked is Insert for a caller that already holds the lock acquired
// via WriteLock (avoids recursive-locking the table's non-reentrant mutex).
func (t *Table[T]) InsertLocked(id uint64, initializer string, depVal marker.DepValHandle, future marker.Future[T]) *marker.Marker[T] {
	return t.insertLocked(id, initializer, depVal, future)
}

func (t *Table[T]) insertLocked(id uint64, initializer string, depVal marker.DepValHandle, future marker.Future[T]) *marker.Marker[T] {
	i := t.find(id)
	m := marker.New[T](initializer, depVal)
	// Replace the freshly-minted promise/future pair with the caller's
	// future: the constructor task already owns the matching promise.
	m.AdoptFuture(future)

	if i < len(t.rows) && t.rows[i].id == id {
		gen := t.rows[i].validationIndex + 1
		t.rows[i] = row[T]{id: id, m: m, barrierID: barrierNotVisible, validationIndex: gen}
		return m
	}
	t.rows = append(t.rows, row[T]{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = row[T]{id: id, m: m, barrierID: barrierNotVisible, validationIndex: 0}
	return m
}

// InsertValue installs an already-completed entry, Ready immediately.
func (t *Table[T]) InsertValue(id uint64, initializer string, depVal marker.DepValHandle, value T, barrierID uint64) *marker.Marker[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertValueLocked(id, initializer, depVal, value, barrierID)
}

// InsertValueLocked is InsertValue for a caller that already holds the lock
// acquired via WriteLock.
func (t *Table[T]) InsertValueLocked(id uint64, initializer string, depVal marker.DepValHandle, value T, barrierID uint64) *marker.Marker[T] {
	return t.insertValueLocked(id, initializer, depVal, value, barrierID)
}

func (t *Table[T]) insertValueLocked(id uint64, initializer string, depVal marker.DepValHandle, value T, barrierID uint64) *marker.Marker[T] {
	i := t.find(id)
	m := marker.NewReady[T](initializer, depVal, value)
	if i < len(t.rows) && t.rows[i].id == id {
		gen := t.rows[i].validationIndex + 1
		t.rows[i] = row[T]{id: id, m: m, barrierID: barrierID, validationIndex: gen}
		return m
	}
	t.rows = append(t.rows, row[T]{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = row[T]{id: id, m: m, barrierID: barrierID, validationIndex: 0}
	return m
}

// Erase removes the slot if present. Any in-flight pending future attached
// to it is abandoned: CheckCompletion will find no matching row and drop
// the completion silently.
func (t *Table[T]) Erase(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eraseLocked(id)
}

// EraseLocked is Erase for a caller that already holds the lock acquired
// via WriteLock.
func (t *Table[T]) EraseLocked(id uint64) bool {
	return t.eraseLocked(id)
}

func (t *Table[T]) eraseLocked(id uint64) bool {
	i := t.find(id)
	if i >= len(t.rows) || t.rows[i].id != id {
		return false
	}
	t.rows = append(t.rows[:i], t.rows[i+1:]...)
	return true
}

// Iterator holds a read lock on the table for its lifetime. Callers MUST
// call Release promptly; it must not outlive a single bounded scope.
type Iterator[T any] struct {
	t *Table[T]
	m *marker.Marker[T]
}

// Marker returns the marker this iterator addresses.
func (it *Iterator[T]) Marker() *marker.Marker[T] { return it.m }

// Release drops the read lock.
func (it *Iterator[T]) Release() { it.t.mu.RUnlock() }

// Lookup returns an iterator holding a read lock for its lifetime.
func (t *Table[T]) Lookup(id uint64) (*Iterator[T], bool) {
	t.mu.RLock()
	i := t.find(id)
	if i >= len(t.rows) || t.rows[i].id != id {
		t.mu.RUnlock()
		return nil, false
	}
	return &Iterator[T]{t: t, m: t.rows[i].m}, true
}

// LookupAlreadyLocked is for callers that already hold the write lock (via
// WriteLock) and want to avoid the read-lock/iterator ceremony.
func (t *Table[T]) LookupAlreadyLocked(id uint64) (*marker.Marker[T], bool) {
	i := t.find(id)
	if i >= len(t.rows) || t.rows[i].id != id {
		return nil, false
	}
	return t.rows[i].m, true
}

// WriteLock acquires the exclusive lock for bulk edits and returns an
// unlock function.
func (t *Table[T]) WriteLock() func() {
	t.mu.Lock()
	return t.mu.Unlock
}

// Range performs a read-only traversal under a read lock (MakeRange /
// Begin / End collapsed into one iteration primitive, which is the
// idiomatic Go shape for the same contract).
func (t *Table[T]) Range(fn func(id uint64, m *marker.Marker[T]) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rows {
		if !fn(r.id, r.m) {
			return
		}
	}
}

// completionEntry is what the watcher enqueues: enough to apply P3's
// generation tie-break at CheckCompletion time.
type completionEntry struct {
	id              uint64
	validationIndex uint64
}

// CheckCompletion walks a sorted batch of completions against the sorted id
// column, promoting each matching Pending slot whose validation-index still
// matches (P3: a stale completion — one whose index no longer matches the
// slot's current generation — is dropped). Called by AssetHeap at
// VisibilityBarrier time with barrierID the id just returned by the
// counter advance (T5, P4).
func (t *Table[T]) CheckCompletion(batch []completionEntry, barrierID uint64, notify func(id uint64, state marker.State)) {
	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })

	t.mu.Lock()
	var notifications []func()
	bi, ri := 0, 0
	for bi < len(batch) && ri < len(t.rows) {
		switch {
		case batch[bi].id < t.rows[ri].id:
			bi++
		case batch[bi].id > t.rows[ri].id:
			ri++
		default:
			if batch[bi].validationIndex == t.rows[ri].validationIndex {
				m := t.rows[ri].m
				if m.PromoteForeground() {
					t.rows[ri].barrierID = barrierID
					if notify != nil {
						id := t.rows[ri].id
						notifications = append(notifications, func() {
							_, state, _ := m.CheckForeground()
							notify(id, state)
						})
					}
				}
			}
			bi++
			ri++
		}
	}
	t.mu.Unlock()

	for _, n := range notifications {
		n()
	}
}

// StallWhilePending finds the slot under a short read lock of its own,
// releases it, waits on the pending future directly, then takes the write
// lock to promote the slot to
// foreground out of band (not waiting for the next barrier). Fails with a
// ShutdownError if the table is torn down during the stall.
func (t *Table[T]) StallWhilePending(ctx context.Context, id uint64) (T, error) {
	t.stallWG.Add(1)
	defer t.stallWG.Done()
	stallCounterMetric.Inc()

	t.mu.RLock()
	i := t.find(id)
	if i >= len(t.rows) || t.rows[i].id != id {
		t.mu.RUnlock()
		var zero T
		return zero, &marker.RetrievalError{Initializer: ""}
	}
	m := t.rows[i].m
	t.mu.RUnlock()

	fut := m.Future()
	select {
	case <-fut.Done():
	case <-t.shutdownCh:
		var zero T
		return zero, &marker.ShutdownError{Component: "asset table"}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	t.mu.Lock()
	i = t.find(id)
	if i < len(t.rows) && t.rows[i].id == id && t.rows[i].m == m {
		if m.PromoteForeground() {
			// Out-of-band promotion is not tied to any particular barrier;
			// stamp it with the latest known barrier-visible generation so
			// T5 still holds for subsequent reads.
			t.rows[i].barrierID = atomic.LoadUint64(&outOfBandBarrierStamp)
		}
	}
	t.mu.Unlock()

	return m.Actualize()
}

// outOfBandBarrierStamp is updated by AssetHeap.VisibilityBarrier so
// out-of-band promotions (StallWhilePending) get a sensible barrier-id
// rather than a fixed sentinel.
var outOfBandBarrierStamp uint64

// Close tears the table down: new stalls observe shutdownCh closing and any
// thread already inside StallWhilePending is waited out before Close
// returns (the Table-destructor-waits-out-stalls contract of spec.md §4.1).
func (t *Table[T]) Close() {
	t.mu.Lock()
	t.shuttingDown = true
	t.mu.Unlock()
	close(t.shutdownCh)
	t.stallWG.Wait()
}

// Len reports the number of live rows, for metrics and tests.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
