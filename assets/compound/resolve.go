package compound

import (
	"context"
	"fmt"

	"github.com/talonforge/assetcache/assets/depval"
	"github.com/talonforge/assetcache/assets/heap"
	"github.com/talonforge/assetcache/assets/marker"
)

// EntityLoader resolves a Ref to its already-parsed Scaffold and the
// dep-val leaf for that scaffold's own backing file (spec.md §6: loading a
// scaffold document is itself a file-system operation that must be
// tracked).
type EntityLoader func(ctx context.Context, ref Ref) (sc *Scaffold, fileDepVal marker.DepValHandle, err error)

// ComponentLoader turns one entity's ComponentRef (inline or external) into
// the component-typed contribution AssembleTree will later merge in order.
type ComponentLoader func(ctx context.Context, ref Ref, component *ComponentRef) (contribution interface{}, err error)

// Resolve is the orchestrating entry point spec.md §4.5 step 4 describes:
// parse (via entityLoader), assemble the inheritance tree (AssembleTree),
// merge every contribution onto a fresh target in order (MergeInOrder),
// and cache the result in table under ScaffoldEntityCacheKey, with the
// marker's dep-val stamped as the registry's reused-or-created composite
// of every leaf dep-val the walk actually touched (D3/P5/P6). Cached
// resolved assets live in the heap as type ResolvedAsset<T> the way
// spec.md §4.5 names it — table is the TypeTable a caller registered for
// that T via heap.RegisterType.
//
// The tree is assembled synchronously, before table.Get is called, so the
// composite dep-val can be computed from the real child set up front
// rather than grown after the fact (growing it after the fact would force
// every resolve through an empty, wrongly-shared composite node). A
// concurrent first-time Resolve of the same root races the same walk
// twice; only one of the two results is ever cached, since table.Get's own
// singleflight collapses the Insert — the discarded walk is wasted work,
// never a correctness issue. Callers that want to skip that waste on a
// warm path may check table.Lookup themselves first, as Resolve itself
// does.
func Resolve[T MergeTarget](
	ctx context.Context,
	table *heap.TypeTable[T],
	pool *heap.Pool,
	registry *depval.Registry,
	root Ref,
	componentType string,
	resolveDir func(Ref) string,
	newTarget func() T,
	entityLoader EntityLoader,
	componentLoader ComponentLoader,
) *marker.Marker[T] {
	cacheKey := ScaffoldEntityCacheKey(componentType, root.ScaffoldUniqueID, root.Entity)

	if it, ok := table.Lookup(cacheKey); ok {
		m := it.Marker()
		it.Release()
		return m
	}

	loader := func(ctx context.Context, ref Ref) (interface{}, []Ref, marker.DepValHandle, error) {
		sc, fileDepVal, err := entityLoader(ctx, ref)
		if err != nil {
			return nil, nil, nil, err
		}
		ent, ok := sc.Entities[ref.Entity]
		if !ok {
			return nil, nil, nil, fmt.Errorf("compound: entity %q not found in scaffold", ref.Entity)
		}

		var contribution interface{}
		for i := range ent.Components {
			if ent.Components[i].ComponentType != componentType {
				continue
			}
			contribution, err = componentLoader(ctx, ref, &ent.Components[i])
			if err != nil {
				return nil, nil, nil, err
			}
			break
		}

		parents := make([]Ref, len(ent.Inherits))
		for i, p := range ent.Inherits {
			parents[i] = Ref{ScaffoldUniqueID: ref.ScaffoldUniqueID, Entity: p}
		}
		return contribution, parents, fileDepVal, nil
	}

	nodes, err := AssembleTree(ctx, root, pool, loader)
	if err != nil {
		return table.Get(cacheKey, root.String(), nil, func(p *marker.Promise[T]) {
			_ = p.SetError(err)
		})
	}

	composite := registry.MakeComposite(leafDepVals(nodes))

	return table.Get(cacheKey, root.String(), composite, func(p *marker.Promise[T]) {
		target := newTarget()
		if err := MergeInOrder(target, nodes, resolveDir); err != nil {
			_ = p.SetError(err)
			return
		}
		_ = p.SetValue(target)
	})
}

// leafDepVals extracts the depval.DepVal handles AssembleTree's loader
// attached to each node, skipping any node whose loader didn't track one
// (e.g. a synthetic root with no backing file).
func leafDepVals(nodes []Node) []depval.DepVal {
	out := make([]depval.DepVal, 0, len(nodes))
	for _, n := range nodes {
		if dv, ok := n.DepVal.(depval.DepVal); ok {
			out = append(out, dv)
		}
	}
	return out
}
