package depval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeLeafDedup(t *testing.T) {
	r := NewRegistry()
	a := r.Make(FileSnapshot{Path: "shaders/basic.hlsl"})
	b := r.Make(FileSnapshot{Path: "shaders/basic.hlsl"})
	assert.Equal(t, a.id, b.id)
}

func TestCompositeDedupInsensitiveToOrderAndDuplicates(t *testing.T) {
	r := NewRegistry()
	f1 := r.Make(FileSnapshot{Path: "a"})
	f2 := r.Make(FileSnapshot{Path: "b"})

	c1 := r.MakeComposite([]DepVal{f1, f2})
	c2 := r.MakeComposite([]DepVal{f2, f1, f1})
	assert.Equal(t, c1.id, c2.id, "P5/P6: composite dedup must ignore order and duplicates")
}

func TestIncreaseValidationIndexPropagatesTransitively(t *testing.T) {
	r := NewRegistry()
	file := r.Make(FileSnapshot{Path: "materials/base.mat"})
	composite := r.MakeComposite([]DepVal{file})

	grandparent := r.MakeComposite([]DepVal{composite})

	startChange := r.GlobalChangeIndex()
	r.IncreaseValidationIndex(file)

	assert.Greater(t, r.GetValidationIndex(composite), uint64(0))
	assert.Greater(t, r.GetValidationIndex(grandparent), uint64(0))
	assert.Greater(t, r.GlobalChangeIndex(), startChange)
}

func TestRegisterAssetDependencyBumpsOnAlreadyStale(t *testing.T) {
	r := NewRegistry()
	dependency := r.Make(FileSnapshot{Path: "x"})
	r.IncreaseValidationIndex(dependency)

	dependent := r.Make(FileSnapshot{Path: "y"})
	r.RegisterAssetDependency(dependent, dependency)

	assert.Greater(t, r.GetValidationIndex(dependent), uint64(0))
}

func TestShadowFileTreatedAsChange(t *testing.T) {
	r := NewRegistry()
	real := r.Make(FileSnapshot{Path: "textures/grass.dds"})

	r.ShadowFile("textures/grass.dds")
	assert.Greater(t, r.GetValidationIndex(real), uint64(0))
}

func TestReleaseAllowsDestructionInAnyOrder(t *testing.T) {
	r := NewRegistry()
	leaf := r.Make(FileSnapshot{Path: "z"})
	composite := r.MakeComposite([]DepVal{leaf})

	// Release the parent before the child — must not panic or corrupt state.
	composite.Release()
	leaf.Release()

	require.NotPanics(t, func() {
		r.IncreaseValidationIndex(leaf)
	})
}

func TestDOTRendersWithoutPanicking(t *testing.T) {
	r := NewRegistry()
	leaf := r.Make(FileSnapshot{Path: "a"})
	r.MakeComposite([]DepVal{leaf})
	out := r.DOT()
	assert.Contains(t, out, "digraph")
}
