package compound

import (
	"context"
	"fmt"
	"hash/fnv"
	"path"
	"strings"
	"sync"

	"github.com/talonforge/assetcache/assets/heap"
	"github.com/talonforge/assetcache/assets/marker"
)

// Ref identifies one entity within one scaffold, the unit the tree-assembly
// walk schedules loads for.
type Ref struct {
	ScaffoldUniqueID uint64
	Entity           string
}

func (r Ref) String() string { return fmt.Sprintf("%d/%s", r.ScaffoldUniqueID, r.Entity) }

// Node is one flattened, ordered entry of an assembled inheritance tree.
type Node struct {
	Ref    Ref
	Value  interface{}
	DepVal marker.DepValHandle
}

// Loader loads a single entity's component value and reports which further
// parents (by ref) must be merged in ahead of it. Relative parent
// filenames are expected to already have been resolved against
// SearchRules by the caller (spec.md §4.5: "resolve relative filenames
// against the parent's directory search rules").
type Loader func(ctx context.Context, ref Ref) (value interface{}, parents []Ref, depVal marker.DepValHandle, err error)

// AssembleTree performs the merge-style tree assembly of spec.md §4.5 as a
// recursive post-order walk: it loads root and, recursively, every entity it and its
// ancestors inherit from, flattening the result into a single ordered list
// satisfying the ordering guarantee P8 (child subtrees fully precede their
// declaring parent; siblings keep declaration order) and failing with a
// FormatException the instant a ref reappears on its own ancestor path,
// proving an inheritance cycle (the Open-Question resolution of
// SPEC_FULL.md §5.4). A ref reached by two different branches (a legitimate
// diamond: two siblings independently inheriting the same grandparent) is
// not a cycle and must not be rejected — only a ref that is its own
// ancestor is, so cycle state is carried per-path rather than shared across
// the whole walk.
//
// Sibling loads run concurrently on pool, but are assembled back together
// in declaration order rather than completion order so P8 holds regardless
// of scheduling.
func AssembleTree(ctx context.Context, root Ref, pool *heap.Pool, load Loader) ([]Node, error) {
	var walk func(ref Ref, ancestors map[Ref]bool) ([]Node, error)
	walk = func(ref Ref, ancestors map[Ref]bool) ([]Node, error) {
		value, parents, depVal, err := load(ctx, ref)
		if err != nil {
			return nil, err
		}

		onPath := make(map[Ref]bool, len(ancestors)+1)
		for a := range ancestors {
			onPath[a] = true
		}
		onPath[ref] = true

		subtrees := make([][]Node, len(parents))
		errs := make([]error, len(parents))
		var wg sync.WaitGroup

		for i, p := range parents {
			if onPath[p] {
				return nil, &marker.FormatException{Message: fmt.Sprintf("inheritance cycle detected: %s re-visits %s", ref, p)}
			}

			i, p := i, p
			wg.Add(1)
			pool.Go(func() {
				defer wg.Done()
				subtrees[i], errs[i] = walk(p, onPath)
			})
		}
		wg.Wait()

		var out []Node
		for i := range parents {
			if errs[i] != nil {
				return nil, errs[i]
			}
			out = append(out, subtrees[i]...)
		}
		out = append(out, Node{Ref: ref, Value: value, DepVal: depVal})
		return out, nil
	}

	return walk(root, nil)
}

// MergeTarget is implemented by a component type that supports merge-style
// inheritance resolution (spec.md §4.5: "component type exposes a
// MergeInWithFilenameResolve operation").
type MergeTarget interface {
	MergeInWithFilenameResolve(contribution interface{}, resolveDir string) error
}

// MergeInOrder applies every node's contribution onto target in list order
// (spec.md §4.5 step 4). A node whose value is nil (an Invalid parent
// tolerated per spec.md §7 propagation policy) is skipped, though its
// dep-val has already joined the composite by the time this runs.
func MergeInOrder(target MergeTarget, nodes []Node, resolveDir func(Ref) string) error {
	for _, n := range nodes {
		if n.Value == nil {
			log.WithField("ref", n.Ref).Warn("skipping invalid parent component during merge")
			continue
		}
		if err := target.MergeInWithFilenameResolve(n.Value, resolveDir(n.Ref)); err != nil {
			return err
		}
	}
	return nil
}

// TopMostProvider walks the inheritance chain (depth-first over Inherits,
// in declared order) looking for the first entity that actually attaches
// componentType, per the "top-most-style" shape of spec.md §4.5 (used when
// the component type does not expose a merge operation). lookup resolves a
// Ref to its Scaffold.
func TopMostProvider(root Ref, componentType string, lookup func(Ref) (*Scaffold, error)) (Ref, *ComponentRef, error) {
	visited := map[Ref]bool{}
	var walk func(ref Ref) (Ref, *ComponentRef, error)
	walk = func(ref Ref) (Ref, *ComponentRef, error) {
		if visited[ref] {
			return Ref{}, nil, &marker.FormatException{Message: fmt.Sprintf("inheritance cycle detected while resolving %q from %s", componentType, ref)}
		}
		visited[ref] = true

		sc, err := lookup(ref)
		if err != nil {
			return Ref{}, nil, err
		}
		ent, ok := sc.Entities[ref.Entity]
		if !ok {
			return Ref{}, nil, fmt.Errorf("compound: entity %q not found in scaffold", ref.Entity)
		}
		for i := range ent.Components {
			if ent.Components[i].ComponentType == componentType {
				return ref, &ent.Components[i], nil
			}
		}
		for _, parent := range ent.Inherits {
			pref := Ref{ScaffoldUniqueID: ref.ScaffoldUniqueID, Entity: parent}
			if r, c, err := walk(pref); err == nil && c != nil {
				return r, c, nil
			}
		}
		return Ref{}, nil, nil
	}
	return walk(root)
}

// SearchRules is the ComponentFileLocation search-rule chain (SPEC_FULL.md
// §5.5 supplement, grounded in original_source/Assets/CompoundAsset.cpp): an
// ordered list of prefix directories, nearest (most recently pushed) wins,
// used to resolve a parent's relative filename against the scaffold
// directory it was declared in.
type SearchRules struct {
	dirs []string
}

// Push prepends dir so it is searched before any rule already present
// (nearest-wins).
func (s *SearchRules) Push(dir string) {
	s.dirs = append([]string{dir}, s.dirs...)
}

// Resolve returns ref unchanged if absolute, otherwise joins it against the
// nearest search directory in which exists reports the file present,
// falling back to the nearest directory when none does (or to ref itself
// when there are no rules); a nil exists accepts the nearest directory.
// exists is the collaborator's file existence check (spec.md §6 external
// file-system contract).
func (s *SearchRules) Resolve(ref string, exists func(string) bool) string {
	if path.IsAbs(ref) || strings.HasPrefix(ref, "/") {
		return ref
	}
	for _, dir := range s.dirs {
		candidate := path.Join(dir, ref)
		if exists == nil || exists(candidate) {
			return candidate
		}
	}
	if len(s.dirs) > 0 {
		return path.Join(s.dirs[0], ref)
	}
	return ref
}

// ScaffoldEntityCacheKey derives the cache key for a scaffold-entity
// indexer: hash(component-type-name, scaffold-unique-id, entity-name-hash).
func ScaffoldEntityCacheKey(componentType string, scaffoldUniqueID uint64, entity string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(componentType))
	var buf [8]byte
	putUint64(&buf, scaffoldUniqueID)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(entity))
	return h.Sum64()
}

// FreeFormCacheKey derives the cache key for a free-form indexer:
// hash(component-type-name, resolved-path, parameters).
func FreeFormCacheKey(componentType, resolvedPath, parameters string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(componentType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(resolvedPath))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(parameters))
	return h.Sum64()
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
