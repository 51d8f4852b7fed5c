package marker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDepVal struct{ id uint64 }

func (f fakeDepVal) ID() uint64 { return f.id }

func TestPromiseSingleFulfillment(t *testing.T) {
	p, f := NewPromise[int]()
	require.NoError(t, p.SetValue(42))
	assert.ErrorIs(t, p.SetValue(7), ErrAlreadyFulfilled)
	assert.ErrorIs(t, p.SetError(assert.AnError), ErrAlreadyFulfilled)

	v, state, err := f.Poll()
	require.NoError(t, err)
	assert.Equal(t, Ready, state)
	assert.Equal(t, 42, v)
}

func TestFutureWaitFor_TimesOutAsPending(t *testing.T) {
	_, f := NewPromise[int]()
	_, state, err := f.WaitFor(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Pending, state)
}

func TestFutureWait_ContextCancel(t *testing.T) {
	_, f := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkerBackgroundVsForeground(t *testing.T) {
	m := New[string]("materials/foo.mat", fakeDepVal{1})

	_, state, _ := m.CheckForeground()
	assert.Equal(t, Pending, state)

	p, _ := m.TakePromise()
	require.NoError(t, p.SetValue("resolved"))

	// Background observes completion immediately.
	v, state, err := m.CheckBackground()
	require.NoError(t, err)
	assert.Equal(t, Ready, state)
	assert.Equal(t, "resolved", v)

	// Foreground is still stale until a visibility-barrier promotion.
	_, state, _ = m.CheckForeground()
	assert.Equal(t, Pending, state)

	require.True(t, m.PromoteForeground())
	v, err = m.Actualize()
	require.NoError(t, err)
	assert.Equal(t, "resolved", v)
}

func TestMarkerActualizePending(t *testing.T) {
	m := New[int]("x", nil)
	_, err := m.Actualize()
	var pe *PendingAssetError
	assert.ErrorAs(t, err, &pe)
}

func TestMarkerActualizeInvalid(t *testing.T) {
	m := New[int]("x", fakeDepVal{5})
	p, _ := m.TakePromise()
	require.NoError(t, p.SetError(NewConstructionError(ReasonMissingFile, fakeDepVal{5}, "no such file")))
	require.True(t, m.PromoteForeground())

	_, err := m.Actualize()
	var ie *InvalidAssetError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "no such file", ie.Log)
}

func TestMarkerRefreshPreservesInitializerAndDepVal(t *testing.T) {
	dv := fakeDepVal{9}
	m := New[int]("shader.hlsl", dv)
	p, _ := m.TakePromise()
	require.NoError(t, p.SetValue(1))
	require.True(t, m.PromoteForeground())

	startGen := m.ValidationIndex()
	newP, newF := m.Refresh()
	assert.Equal(t, startGen+1, m.ValidationIndex())
	assert.Equal(t, "shader.hlsl", m.Initializer())
	assert.Equal(t, dv, m.DepVal())

	_, state, _ := m.CheckForeground()
	assert.Equal(t, Pending, state)

	require.NoError(t, newP.SetValue(2))
	v, _, _ := newF.Poll()
	assert.Equal(t, 2, v)
}
