package heap

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/talonforge/assetcache/assets/marker"
)

// l1Size bounds the per-type "recently actualized" LRU, a fast-path cache
// of hot ids so a repeated Get doesn't have to binary-search the sorted
// column every time. Eviction from this cache never evicts the
// authoritative row in Table[T]; it only forces the next lookup for that id
// back onto the binary search.
const l1Size = 4096

// TypeID is an explicit, registered type identifier — a compile-time
// constant name hashed at registration — replacing the source language's
// runtime type-info hash (Design Notes §9 REDESIGN FLAG).
type TypeID uint64

func computeTypeID(name string) TypeID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return TypeID(h.Sum64())
}

// shardIndex addresses the high byte of the type hash, so lookups never
// need to hash: the shard is implicit in the TypeID itself once computed at
// registration (spec.md §4.1 Sharding).
func (id TypeID) shardIndex() int { return int(uint64(id) >> 56) }

// shardSpacing bounds how many distinct types a single shard bucket may
// hold. Exhausting it is a hard configuration error (spec.md §4.1 Failure
// modes), surfaced as a panic since it can only happen from a programming
// mistake (registering far more asset types than the shard table was sized
// for), not from runtime data.
const shardSpacing = 64

type tableOps interface {
	CheckCompletion(batch []completionEntry, barrierID uint64, notify func(id uint64, state marker.State))
	Close()
}

type shardEntry struct {
	id   TypeID
	name string
	ops  tableOps
}

type shard struct {
	mu      sync.Mutex
	entries []shardEntry
}

func (s *shard) register(id TypeID, name string, ops tableOps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].id >= id })
	if i < len(s.entries) && s.entries[i].id == id {
		panic(fmt.Sprintf("heap: type %q already registered under id %d", name, id))
	}
	if len(s.entries) >= shardSpacing {
		panic(fmt.Sprintf("heap: shard spacing exhausted registering type %q", name))
	}
	s.entries = append(s.entries, shardEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = shardEntry{id: id, name: name, ops: ops}
}

func (s *shard) snapshot() []shardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shardEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// TypeTable is the typed handle a client retains after RegisterType: the
// generic Table[T] plus its registered identity and a singleflight group
// enforcing invariant P1 (at most one in-flight build per key) across
// concurrent Get calls.
type TypeTable[T any] struct {
	*Table[T]
	id   TypeID
	name string
	heap *AssetHeap
	sf   singleflight.Group

	hot *lru.Cache[uint64, *marker.Marker[T]]
}

// RegisterType creates a new typed table under name and wires it into the
// heap's shard registry. name is the "explicit registered type-id" of
// Design Notes §9 — pick a stable string (e.g. the fully-qualified asset
// type name) since it is hashed once and never rehashed at lookup time.
func RegisterType[T any](h *AssetHeap, name string) *TypeTable[T] {
	id := computeTypeID(name)
	t := newTable[T]()
	h.shards[id.shardIndex()].register(id, name, t)
	hot, err := lru.New[uint64, *marker.Marker[T]](l1Size)
	if err != nil {
		// Only returns an error for a non-positive size, which l1Size never is.
		panic(err)
	}
	tt := &TypeTable[T]{Table: t, id: id, name: name, heap: h, hot: hot}
	h.registerCloser(t)
	return tt
}

// Insert shadows Table[T].Insert so any direct overwrite of an existing row
// (e.g. a forced rebuild triggered outside Get) also evicts the stale L1
// entry; otherwise a hot id could keep resolving to the marker from before
// the overwrite indefinitely.
func (tt *TypeTable[T]) Insert(id uint64, initializer string, depVal marker.DepValHandle, future marker.Future[T]) *marker.Marker[T] {
	tt.hot.Remove(id)
	return tt.Table.Insert(id, initializer, depVal, future)
}

// InsertValue shadows Table[T].InsertValue for the same reason as Insert.
func (tt *TypeTable[T]) InsertValue(id uint64, initializer string, depVal marker.DepValHandle, value T, barrierID uint64) *marker.Marker[T] {
	tt.hot.Remove(id)
	return tt.Table.InsertValue(id, initializer, depVal, value, barrierID)
}

// Erase shadows Table[T].Erase so a removed row can't linger in the L1
// cache.
func (tt *TypeTable[T]) Erase(id uint64) bool {
	tt.hot.Remove(id)
	return tt.Table.Erase(id)
}

// Get returns the existing marker for id, or creates one and dispatches
// construct on the heap's long-task pool. Concurrent Get calls for the same
// id collapse onto a single construction via singleflight (P1). A hit in
// the L1 "recently actualized" cache skips the Table[T]'s read lock and
// binary search entirely; a miss always falls through to the authoritative
// sorted column, so LRU eviction can never make an entry invisible.
func (tt *TypeTable[T]) Get(id uint64, initializer string, depVal marker.DepValHandle, construct func(promise *marker.Promise[T])) *marker.Marker[T] {
	if m, ok := tt.hot.Get(id); ok {
		return m
	}

	if it, ok := tt.Lookup(id); ok {
		m := it.Marker()
		it.Release()
		tt.hot.Add(id, m)
		return m
	}

	key := fmt.Sprintf("%d", id)
	resultAny, _, _ := tt.sf.Do(key, func() (interface{}, error) {
		unlock := tt.WriteLock()
		if m, ok := tt.LookupAlreadyLocked(id); ok {
			unlock()
			return m, nil
		}
		promise, future := marker.NewPromise[T]()
		m := tt.InsertLocked(id, initializer, depVal, future)
		tt.hot.Remove(id)
		unlock()

		tt.heap.watcher.track(tt.id, id, m.ValidationIndex(), future.Done())
		tt.heap.longTaskPool.Go(func() { construct(promise) })
		return m, nil
	})
	m := resultAny.(*marker.Marker[T])
	tt.hot.Add(id, m)
	return m
}
