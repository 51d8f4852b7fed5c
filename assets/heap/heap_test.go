package heap

import (
	"context"
	"sync"
	"testing"
	"time"

	mutexasserts "github.com/trailofbits/go-mutexasserts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonforge/assetcache/assets/marker"
)

type widget struct {
	Name string
}

func waitBarrier(h *AssetHeap) {
	// Give the watcher goroutine a moment to enqueue the completion before
	// the barrier drains it: the watcher enqueues on its own goroutine after
	// the future resolves, so waiting on the future alone does not guarantee
	// the completion is queued yet.
	time.Sleep(5 * time.Millisecond)
	h.VisibilityBarrier()
}

// S1: basic cache hit — a second Get for the same id returns the same
// marker without re-invoking construct.
func TestTypeTableGetCachesByID(t *testing.T) {
	h := New(Config{LongTaskWorkers: 2, ShortTaskWorkers: 2})
	defer h.Close()
	tt := RegisterType[widget](h, "widget")

	calls := 0
	construct := func(p *marker.Promise[widget]) {
		calls++
		_ = p.SetValue(widget{Name: "a"})
	}

	m1 := tt.Get(1, "widget:1", nil, construct)
	_, err := m1.Future().Wait(context.Background())
	require.NoError(t, err)
	waitBarrier(h)

	m2 := tt.Get(1, "widget:1", nil, construct)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, calls)

	v, err := m2.Actualize()
	require.NoError(t, err)
	assert.Equal(t, "a", v.Name)
}

// S2: pending-then-ready — CheckForeground stays Pending until a
// VisibilityBarrier runs, even after the background future resolves.
func TestVisibilityBarrierPromotesForeground(t *testing.T) {
	h := New(Config{LongTaskWorkers: 2, ShortTaskWorkers: 2})
	defer h.Close()
	tt := RegisterType[widget](h, "widget-barrier")

	release := make(chan struct{})
	m := tt.Get(7, "widget:7", nil, func(p *marker.Promise[widget]) {
		<-release
		_ = p.SetValue(widget{Name: "b"})
	})

	_, state, _ := m.CheckForeground()
	assert.Equal(t, marker.Pending, state)

	close(release)
	_, err := m.Future().Wait(context.Background())
	require.NoError(t, err)

	// Background already sees it; foreground does not until a barrier runs.
	_, bgState, _ := m.CheckBackground()
	assert.Equal(t, marker.Ready, bgState)
	_, fgState, _ := m.CheckForeground()
	assert.Equal(t, marker.Pending, fgState)

	waitBarrier(h)
	_, fgState2, _ := m.CheckForeground()
	assert.Equal(t, marker.Ready, fgState2)
}

// S3: overwrite-while-pending — a fresh Insert for an id already holding a
// pending row bumps the validation-index, and the earlier future's eventual
// completion is dropped rather than promoted onto the new row.
func TestCheckCompletionDropsStaleGeneration(t *testing.T) {
	tbl := newTable[widget]()
	defer tbl.Close()

	_, oldFuture := marker.NewPromise[widget]()
	oldMarker := tbl.Insert(42, "widget:42", nil, oldFuture)
	oldGen := oldMarker.ValidationIndex()

	newPromise, newFuture := marker.NewPromise[widget]()
	newMarker := tbl.Insert(42, "widget:42", nil, newFuture)
	require.NotSame(t, oldMarker, newMarker)
	assert.Greater(t, newMarker.ValidationIndex(), oldGen)

	// The stale completion, tagged with the old generation, must not
	// promote the current row.
	tbl.CheckCompletion([]completionEntry{{id: 42, validationIndex: oldGen}}, 1, nil)
	_, state, _ := newMarker.CheckForeground()
	assert.Equal(t, marker.Pending, state)

	require.NoError(t, newPromise.SetValue(widget{Name: "fresh"}))
	tbl.CheckCompletion([]completionEntry{{id: 42, validationIndex: newMarker.ValidationIndex()}}, 2, nil)
	v, state2, _ := newMarker.CheckForeground()
	assert.Equal(t, marker.Ready, state2)
	assert.Equal(t, "fresh", v.Name)
}

// StallWhilePending resolves out of band without waiting for a barrier.
func TestStallWhilePendingResolvesOutOfBand(t *testing.T) {
	h := New(Config{LongTaskWorkers: 2, ShortTaskWorkers: 2})
	defer h.Close()
	tt := RegisterType[widget](h, "widget-stall")

	release := make(chan struct{})
	tt.Get(9, "widget:9", nil, func(p *marker.Promise[widget]) {
		<-release
		_ = p.SetValue(widget{Name: "c"})
	})

	done := make(chan struct{})
	var got widget
	var stallErr error
	go func() {
		got, stallErr = tt.StallWhilePending(context.Background(), 9)
		close(done)
	}()

	close(release)
	<-done
	require.NoError(t, stallErr)
	assert.Equal(t, "c", got.Name)

	// Promoted out of band: foreground is visible without an explicit
	// VisibilityBarrier call.
	it, ok := tt.Lookup(9)
	require.True(t, ok)
	_, fgState, _ := it.Marker().CheckForeground()
	it.Release()
	assert.Equal(t, marker.Ready, fgState)
}

// S7: a stall still in flight when the table is closed returns a
// ShutdownError.
func TestStallWhilePendingShutdown(t *testing.T) {
	h := New(Config{LongTaskWorkers: 1, ShortTaskWorkers: 1})
	tt := RegisterType[widget](h, "widget-shutdown")

	block := make(chan struct{})
	tt.Get(3, "widget:3", nil, func(p *marker.Promise[widget]) {
		<-block
		_ = p.SetValue(widget{Name: "never observed"})
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := tt.StallWhilePending(context.Background(), 3)
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	h.Close()
	close(block)

	err := <-errCh
	require.Error(t, err)
	_, ok := err.(*marker.ShutdownError)
	assert.True(t, ok)
}

// P1: concurrent Get calls for the same id collapse onto a single
// construction via singleflight.
func TestGetCollapsesConcurrentConstruction(t *testing.T) {
	h := New(Config{LongTaskWorkers: 4, ShortTaskWorkers: 4})
	defer h.Close()
	tt := RegisterType[widget](h, "widget-singleflight")

	var calls int32
	construct := func(p *marker.Promise[widget]) {
		calls++
		time.Sleep(10 * time.Millisecond)
		_ = p.SetValue(widget{Name: "shared"})
	}

	const n = 16
	markers := make([]*marker.Marker[widget], n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			markers[i] = tt.Get(100, "widget:100", nil, construct)
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Same(t, markers[0], markers[i])
	}
}

// Lock protocol invariants (spec.md §4.1): a live Iterator independently
// holds the table's read lock for its scope, no public Table method leaves
// its mutex held once it returns to the caller, and CheckCompletion's
// notify callback runs with no lock held at all (spec.md §4.1's "no lock
// held across callbacks").
func TestTableLockProtocolInvariants(t *testing.T) {
	tbl := newTable[widget]()
	defer tbl.Close()

	assert.False(t, mutexasserts.RWMutexLocked(&tbl.mu))
	assert.False(t, mutexasserts.RWMutexRLocked(&tbl.mu))

	promise, future := marker.NewPromise[widget]()
	tbl.Insert(1, "widget:1", nil, future)
	assert.False(t, mutexasserts.RWMutexLocked(&tbl.mu), "Insert must not leak its write lock")
	assert.False(t, mutexasserts.RWMutexRLocked(&tbl.mu))

	it, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.True(t, mutexasserts.RWMutexRLocked(&tbl.mu), "a live Iterator holds the read lock for its scope")
	it.Release()
	assert.False(t, mutexasserts.RWMutexRLocked(&tbl.mu), "Release must drop the read lock")

	tbl.Range(func(id uint64, m *marker.Marker[widget]) bool { return true })
	assert.False(t, mutexasserts.RWMutexRLocked(&tbl.mu), "Range must not leak its read lock past return")

	require.NoError(t, promise.SetValue(widget{Name: "locked-test"}))
	callbackSawLockHeld := false
	tbl.CheckCompletion([]completionEntry{{id: 1, validationIndex: 0}}, 1, func(id uint64, state marker.State) {
		callbackSawLockHeld = mutexasserts.RWMutexLocked(&tbl.mu) || mutexasserts.RWMutexRLocked(&tbl.mu)
	})
	assert.False(t, callbackSawLockHeld, "CheckCompletion's notify callback must run with no lock held")
	assert.False(t, mutexasserts.RWMutexLocked(&tbl.mu), "CheckCompletion must not leak its write lock")
}

// Registering the same type name twice panics.
func TestRegisterTypeDuplicatePanics(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	RegisterType[widget](h, "dup")
	assert.Panics(t, func() {
		RegisterType[widget](h, "dup")
	})
}
