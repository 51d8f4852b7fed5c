// Package depval implements the dependency-validation graph (spec.md
// §4.4): a global, reference-counted registry of file-backed and composite
// nodes, with transitive invalidation propagation along reverse edges.
package depval

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "depval")

// statCacheTTL bounds how long a memoized LiveSnapshot result is trusted
// before a fresh stat is taken.
const statCacheTTL = 500 * time.Millisecond

// FileState is the tri-state of a file snapshot (spec.md §6).
type FileState int

const (
	Normal FileState = iota
	Shadowed
	Missing
)

// FileSnapshot is the external file-system contract: a normalized path, its
// state, and an opaque timestamp marker used for equality, not wall-clock
// arithmetic.
type FileSnapshot struct {
	Path      string
	State     FileState
	Timestamp uint64
}

// NodeID addresses a node in the global registry.
type NodeID uint64

type nodeKind int

const (
	kindLeaf nodeKind = iota
	kindComposite
)

type node struct {
	id       NodeID
	kind     nodeKind
	refcount int32

	mu              sync.Mutex
	snapshot        FileSnapshot // leaf only
	registered      FileSnapshot // leaf only: the snapshot last registered as authoritative
	children        []NodeID     // composite forward edges (and leaf-to-composite style deps via RegisterAssetDependency)
	reverse         []NodeID     // back-edges: nodes that depend on this one
	validationIndex uint64
}

// DepVal is a lightweight, reference-counted handle onto a registry node.
// The zero value is not valid; obtain one from a Registry.
type DepVal struct {
	reg *Registry
	id  NodeID
}

// ID satisfies marker.DepValHandle.
func (d DepVal) ID() uint64 { return uint64(d.id) }

// Valid reports whether this handle refers to a real node.
func (d DepVal) Valid() bool { return d.reg != nil }

// Release drops this handle's reference. Nodes are retained as long as any
// handle or composite references them; the registry tolerates destruction
// in any order (spec.md §3, Lifecycles).
func (d DepVal) Release() {
	if d.reg == nil {
		return
	}
	d.reg.release(d.id)
}

// Registry is the global dep-val graph. One Registry is normally shared by
// an entire AssetHeap instance.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[NodeID]*node
	byFile     map[string]NodeID // leaf dedup by normalized path
	byChildSet map[uint64]NodeID // composite dedup by child-set hash (D3, P5, P6)
	nextID     uint64

	changeIndex uint64 // atomic, global monotonic counter

	statCache *cache.Cache // short-TTL memoization of live file state lookups
}

// NewRegistry creates an empty dep-val graph.
func NewRegistry() *Registry {
	return &Registry{
		nodes:      make(map[NodeID]*node),
		byFile:     make(map[string]NodeID),
		byChildSet: make(map[uint64]NodeID),
		statCache:  cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// GlobalChangeIndex is a monotonic counter bumped on any validation-index
// change. Consumers may read it cheaply to decide whether to rescan.
func (r *Registry) GlobalChangeIndex() uint64 {
	return atomic.LoadUint64(&r.changeIndex)
}

// Make creates or reuses a file-backed leaf for the given snapshot.
func (r *Registry) Make(snapshot FileSnapshot) DepVal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byFile[snapshot.Path]; ok {
		n := r.nodes[id]
		n.mu.Lock()
		n.refcount++
		n.mu.Unlock()
		return DepVal{reg: r, id: id}
	}
	id := NodeID(r.nextID + 1)
	r.nextID++
	n := &node{id: id, kind: kindLeaf, refcount: 1, snapshot: snapshot, registered: snapshot}
	r.nodes[id] = n
	r.byFile[snapshot.Path] = id
	return DepVal{reg: r, id: id}
}

// childSetHash is insensitive to duplicate and order of children (P5): it
// dedups and sorts before hashing.
func childSetHash(children []NodeID) uint64 {
	uniq := make(map[NodeID]struct{}, len(children))
	for _, c := range children {
		uniq[c] = struct{}{}
	}
	sorted := make([]NodeID, 0, len(uniq))
	for c := range uniq {
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	h := fnv.New64a()
	for _, c := range sorted {
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(c >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// MakeComposite creates or reuses a composite node whose child set equals
// children (deduplicated by child-set hash, P6). Composites never hold
// snapshots directly.
func (r *Registry) MakeComposite(children []DepVal) DepVal {
	ids := make([]NodeID, 0, len(children))
	for _, c := range children {
		if c.Valid() {
			ids = append(ids, c.id)
		}
	}
	h := childSetHash(ids)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byChildSet[h]; ok {
		n := r.nodes[id]
		n.mu.Lock()
		n.refcount++
		n.mu.Unlock()
		return DepVal{reg: r, id: id}
	}
	id := NodeID(r.nextID + 1)
	r.nextID++
	uniqSorted := dedupSorted(ids)
	n := &node{id: id, kind: kindComposite, refcount: 1, children: uniqSorted}
	r.nodes[id] = n
	r.byChildSet[h] = id
	for _, childID := range uniqSorted {
		if child, ok := r.nodes[childID]; ok {
			child.mu.Lock()
			child.reverse = append(child.reverse, id)
			child.mu.Unlock()
		}
	}
	return DepVal{reg: r, id: id}
}

func dedupSorted(ids []NodeID) []NodeID {
	uniq := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		uniq[id] = struct{}{}
	}
	out := make([]NodeID, 0, len(uniq))
	for id := range uniq {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterFileDependency attaches (or updates) a file snapshot on a leaf.
func (r *Registry) RegisterFileDependency(dv DepVal, snapshot FileSnapshot) {
	n := r.lookup(dv.id)
	if n == nil {
		return
	}
	n.mu.Lock()
	n.snapshot = snapshot
	n.registered = snapshot
	n.mu.Unlock()
}

// RegisterAssetDependency adds a forward/reverse edge pair from dependent to
// dependency. If dependency is already stale, dependent's validation-index
// bumps immediately to reflect the pre-existing staleness.
func (r *Registry) RegisterAssetDependency(dependent, dependency DepVal) {
	dn := r.lookup(dependent.id)
	pn := r.lookup(dependency.id)
	if dn == nil || pn == nil {
		return
	}
	pn.mu.Lock()
	pn.reverse = append(pn.reverse, dependent.id)
	staleIndex := pn.validationIndex
	pn.mu.Unlock()

	dn.mu.Lock()
	dn.children = append(dn.children, dependency.id)
	raised := false
	if staleIndex > dn.validationIndex {
		dn.validationIndex = staleIndex
		raised = true
	}
	dn.mu.Unlock()
	if raised {
		atomic.AddUint64(&r.changeIndex, 1)
	}
}

// IncreaseValidationIndex propagates a staleness signal: for every
// transitive reverse-edge of node, the validation-index is incremented (D1:
// transitive propagation). The global change index is bumped once per call.
func (r *Registry) IncreaseValidationIndex(dv DepVal) {
	start := r.lookup(dv.id)
	if start == nil {
		return
	}

	visited := map[NodeID]struct{}{dv.id: {}}
	queue := []NodeID{dv.id}

	start.mu.Lock()
	start.validationIndex++
	start.mu.Unlock()

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n := r.lookup(cur)
		if n == nil {
			continue
		}
		n.mu.Lock()
		reverse := append([]NodeID(nil), n.reverse...)
		n.mu.Unlock()
		for _, rev := range reverse {
			if _, ok := visited[rev]; ok {
				continue
			}
			visited[rev] = struct{}{}
			rn := r.lookup(rev)
			if rn == nil {
				continue
			}
			rn.mu.Lock()
			rn.validationIndex++
			rn.mu.Unlock()
			queue = append(queue, rev)
		}
	}

	atomic.AddUint64(&r.changeIndex, 1)
	log.WithField("node", dv.id).Debug("validation index increased")
}

// GetValidationIndex reads the current index (0 == valid).
func (r *Registry) GetValidationIndex(dv DepVal) uint64 {
	n := r.lookup(dv.id)
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.validationIndex
}

// ShadowFile marks a file as shadowed — a pseudo-state used by hot-reload
// tools — and treats it as a change: it creates-or-reuses the leaf and
// bumps its validation index. This also implements the legacy
// SetShadowingAsset behavior (spec.md §9 Open Question): replace-or-insert
// the shadow entry, and bump the real entry's index if one already exists
// for the same path.
func (r *Registry) ShadowFile(path string) {
	r.mu.Lock()
	id, existed := r.byFile[path]
	r.mu.Unlock()

	dv := r.Make(FileSnapshot{Path: path, State: Shadowed})
	if existed {
		r.RegisterFileDependency(DepVal{reg: r, id: id}, FileSnapshot{Path: path, State: Shadowed})
	}
	r.IncreaseValidationIndex(dv)
}

// Stale reports whether a leaf's registered snapshot differs from a live
// snapshot passed in by the caller (spec.md §4.4 invariants: staleness is
// observed here but only becomes visible to consumers once
// IncreaseValidationIndex is explicitly called by the hot-reload driver).
func (r *Registry) Stale(dv DepVal, live FileSnapshot) bool {
	n := r.lookup(dv.id)
	if n == nil || n.kind != kindLeaf {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registered != live
}

// LiveSnapshot returns the current on-disk snapshot for path, memoized for
// a short TTL so a burst of dependency checks during one invalidation sweep
// doesn't re-stat the same file repeatedly (SPEC_FULL.md §4 domain-stack
// wiring for patrickmn/go-cache). statFn is the file-system collaborator
// (spec.md §6); callers typically pass a thin os.Stat wrapper.
func (r *Registry) LiveSnapshot(path string, statFn func(string) (FileSnapshot, error)) (FileSnapshot, error) {
	if cached, ok := r.statCache.Get(path); ok {
		return cached.(FileSnapshot), nil
	}
	snap, err := statFn(path)
	if err != nil {
		return FileSnapshot{}, err
	}
	r.statCache.Set(path, snap, statCacheTTL)
	return snap, nil
}

// InvalidateLiveSnapshot drops a memoized stat result, used by the
// fsnotify-backed Watcher the instant it observes a write so the next
// LiveSnapshot call re-stats rather than serving a stale cache entry.
func (r *Registry) InvalidateLiveSnapshot(path string) {
	r.statCache.Delete(path)
}

func (r *Registry) lookup(id NodeID) *node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

func (r *Registry) release(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	n.mu.Lock()
	n.refcount--
	dead := n.refcount <= 0
	n.mu.Unlock()
	if !dead {
		return
	}
	delete(r.nodes, id)
	for path, fid := range r.byFile {
		if fid == id {
			delete(r.byFile, path)
			break
		}
	}
	for h, cid := range r.byChildSet {
		if cid == id {
			delete(r.byChildSet, h)
			break
		}
	}
}
