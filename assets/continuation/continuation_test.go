package continuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonforge/assetcache/assets/marker"
)

func TestWhenAllFanIn(t *testing.T) {
	e := NewExecutor(context.Background())
	p1, f1 := marker.NewPromise[int]()
	p2, f2 := marker.NewPromise[int]()

	done := e.WhenAll(f1, f2)
	require.NoError(t, p1.SetValue(1))
	require.NoError(t, p2.SetValue(2))

	_, err := done.Wait(context.Background())
	require.NoError(t, err)
}

func TestThen2Success(t *testing.T) {
	e := NewExecutor(context.Background())
	p1, f1 := marker.NewPromise[int]()
	p2, f2 := marker.NewPromise[string]()

	out := Then2(e, f1, f2, func(a int, b string) (string, error) {
		return b + "!", nil
	})

	require.NoError(t, p1.SetValue(5))
	require.NoError(t, p2.SetValue("hi"))

	v, err := out.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi!", v)
}

func TestThen2PropagatesFailureWithoutCallingFn(t *testing.T) {
	e := NewExecutor(context.Background())
	p1, f1 := marker.NewPromise[int]()
	p2, f2 := marker.NewPromise[int]()

	called := false
	out := Then2(e, f1, f2, func(a, b int) (int, error) {
		called = true
		return 0, nil
	})

	wantErr := errors.New("boom")
	require.NoError(t, p1.SetValue(1))
	require.NoError(t, p2.SetError(wantErr))

	_, err := out.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, called, "S5: fn must not be called when an input failed")
}

func TestThenWithFuturesIsCalledEvenOnFailure(t *testing.T) {
	e := NewExecutor(context.Background())
	p1, f1 := marker.NewPromise[int]()
	p2, f2 := marker.NewPromise[int]()

	called := false
	out := ThenWithFutures2(e, f1, f2, func(a, b marker.Future[int]) (int, error) {
		called = true
		_, state, _ := b.Poll()
		if state == marker.Invalid {
			return -1, nil
		}
		return 0, nil
	})

	require.NoError(t, p1.SetValue(1))
	require.NoError(t, p2.SetError(errors.New("fail")))

	v, err := out.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, -1, v)
}

func TestCheckImmediatelyRunsSynchronouslyWhenAlreadyDone(t *testing.T) {
	e := NewExecutor(context.Background())
	p1, f1 := marker.NewPromise[int]()
	p2, f2 := marker.NewPromise[int]()
	require.NoError(t, p1.SetValue(1))
	require.NoError(t, p2.SetValue(2))

	out := Then2(e, f1, f2, func(a, b int) (int, error) { return a + b, nil }, CheckImmediately())
	_, state, _ := out.Poll()
	assert.Equal(t, marker.Ready, state, "CheckImmediately should fulfill synchronously")
}

func TestPollToPromiseFinishes(t *testing.T) {
	e := NewExecutor(context.Background())
	count := 0
	check := func() (PollResult, error) {
		count++
		if count >= 3 {
			return Finish, nil
		}
		return Continue, nil
	}
	dispatch := func() (string, error) { return "done", nil }

	out := PollToPromiseWithInterval(e, check, dispatch, 5*time.Millisecond)
	v, err := out.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestExecutorShutdownCompletesPendingWaitsWithShutdownError(t *testing.T) {
	e := NewExecutor(context.Background())
	_, f := marker.NewPromise[int]()

	out := e.WhenAll(f)
	require.NoError(t, e.Shutdown())

	_, err := out.Wait(context.Background())
	var se *marker.ShutdownError
	assert.ErrorAs(t, err, &se)
}
