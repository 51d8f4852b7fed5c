package continuation

import (
	"github.com/talonforge/assetcache/assets/marker"
)

// settings carries the CheckImmediately opt-in (spec.md §4.3: "if every
// input is already complete, run the continuation synchronously instead of
// going through the executor").
type settings struct {
	immediate bool
}

// Option configures a single combinator call.
type Option func(*settings)

// CheckImmediately opts into the synchronous fast path.
func CheckImmediately() Option {
	return func(s *settings) { s.immediate = true }
}

func apply(opts []Option) settings {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Pair is the heterogeneous-tuple result of AsCombinedFuture2.
type Pair[A, B any] struct {
	A A
	B B
}

// Triple is the heterogeneous-tuple result of AsCombinedFuture3.
type Triple[A, B, C any] struct {
	A A
	B B
	C C
}

func bothDone[A, B any](fa marker.Future[A], fb marker.Future[B]) bool {
	select {
	case <-fa.Done():
	default:
		return false
	}
	select {
	case <-fb.Done():
	default:
		return false
	}
	return true
}

func allDone(ws ...Waitable) bool {
	for _, w := range ws {
		select {
		case <-w.Done():
		default:
			return false
		}
	}
	return true
}

// WhenAll returns a future that resolves once every input Waitable has
// resolved, for fan-in synchronization only (ThenOpaqueFuture in spec.md
// terms — no per-input value is carried through).
func (e *Executor) WhenAll(ws ...Waitable) marker.Future[struct{}] {
	p, f := marker.NewPromise[struct{}]()
	run := func() error {
		for _, w := range ws {
			if err := e.wait(w); err != nil {
				_ = p.SetError(err)
				return err
			}
		}
		_ = p.SetValue(struct{}{})
		return nil
	}
	if allDone(ws...) {
		_ = run()
	} else {
		e.Go(run)
	}
	return f
}

// futErr extracts the terminal error of a resolved future, if any.
func futErr[T any](f marker.Future[T]) error {
	_, state, err := f.Poll()
	if state == marker.Invalid {
		return err
	}
	return nil
}

// Then2 runs fn with the two inputs' *values* once both are Ready. If
// either input is Invalid, fn is not called and the error propagates to the
// output future (spec.md §4.3 Failure propagation).
func Then2[A, B, R any](e *Executor, fa marker.Future[A], fb marker.Future[B], fn func(A, B) (R, error), opts ...Option) marker.Future[R] {
	p, f := marker.NewPromise[R]()
	s := apply(opts)

	run := func() error {
		if err := e.wait(fa); err != nil {
			_ = p.SetError(err)
			return err
		}
		if err := e.wait(fb); err != nil {
			_ = p.SetError(err)
			return err
		}
		if err := futErr(fa); err != nil {
			_ = p.SetError(err)
			return err
		}
		if err := futErr(fb); err != nil {
			_ = p.SetError(err)
			return err
		}
		va, _, _ := fa.Poll()
		vb, _, _ := fb.Poll()
		r, err := fn(va, vb)
		if err != nil {
			_ = p.SetError(err)
			return err
		}
		_ = p.SetValue(r)
		return nil
	}

	if s.immediate && bothDone(fa, fb) {
		_ = run()
	} else {
		e.Go(run)
	}
	return f
}

// ThenWithFutures2 runs fn with the *futures* themselves, always — even if
// an input is Invalid — because inspecting per-input failure is the point
// (spec.md §4.3).
func ThenWithFutures2[A, B, R any](e *Executor, fa marker.Future[A], fb marker.Future[B], fn func(marker.Future[A], marker.Future[B]) (R, error)) marker.Future[R] {
	p, f := marker.NewPromise[R]()
	e.Go(func() error {
		if err := e.wait(fa); err != nil {
			_ = p.SetError(err)
			return err
		}
		if err := e.wait(fb); err != nil {
			_ = p.SetError(err)
			return err
		}
		r, err := fn(fa, fb)
		if err != nil {
			_ = p.SetError(err)
			return err
		}
		_ = p.SetValue(r)
		return nil
	})
	return f
}

// ThenConstructToPromise2 is the promise-out-parameter flavor: fn's result
// is stored directly into an existing promise rather than a fresh one,
// matching the C++ API's ThenConstructToPromise(promise, fn) shape.
func ThenConstructToPromise2[A, B, R any](e *Executor, promise *marker.Promise[R], fa marker.Future[A], fb marker.Future[B], fn func(A, B) (R, error)) {
	e.Go(func() error {
		if err := e.wait(fa); err != nil {
			_ = promise.SetError(err)
			return err
		}
		if err := e.wait(fb); err != nil {
			_ = promise.SetError(err)
			return err
		}
		if err := futErr(fa); err != nil {
			_ = promise.SetError(err)
			return err
		}
		if err := futErr(fb); err != nil {
			_ = promise.SetError(err)
			return err
		}
		va, _, _ := fa.Poll()
		vb, _, _ := fb.Poll()
		r, err := fn(va, vb)
		if err != nil {
			_ = promise.SetError(err)
			return err
		}
		_ = promise.SetValue(r)
		return nil
	})
}

// ThenConstructToPromiseWithFutures2 mirrors ThenConstructToPromise2 but
// hands fn the futures, so it may classify Invalid vs Ready per input.
func ThenConstructToPromiseWithFutures2[A, B, R any](e *Executor, promise *marker.Promise[R], fa marker.Future[A], fb marker.Future[B], fn func(marker.Future[A], marker.Future[B]) (R, error)) {
	e.Go(func() error {
		if err := e.wait(fa); err != nil {
			_ = promise.SetError(err)
			return err
		}
		if err := e.wait(fb); err != nil {
			_ = promise.SetError(err)
			return err
		}
		r, err := fn(fa, fb)
		if err != nil {
			_ = promise.SetError(err)
			return err
		}
		_ = promise.SetValue(r)
		return nil
	})
}

// AsCombinedFuture2 leaves combination but attaches no continuation.
func AsCombinedFuture2[A, B any](e *Executor, fa marker.Future[A], fb marker.Future[B]) marker.Future[Pair[A, B]] {
	return Then2(e, fa, fb, func(a A, b B) (Pair[A, B], error) {
		return Pair[A, B]{A: a, B: b}, nil
	})
}

// Then3 and AsCombinedFuture3 extend the pattern to three heterogeneous
// inputs, covering the common material-plus-two-textures shape compound
// asset resolution produces.
func Then3[A, B, C, R any](e *Executor, fa marker.Future[A], fb marker.Future[B], fc marker.Future[C], fn func(A, B, C) (R, error), opts ...Option) marker.Future[R] {
	p, f := marker.NewPromise[R]()
	s := apply(opts)

	run := func() error {
		for _, w := range []Waitable{fa, fb, fc} {
			if err := e.wait(w); err != nil {
				_ = p.SetError(err)
				return err
			}
		}
		for _, errf := range []func() error{
			func() error { return futErr(fa) },
			func() error { return futErr(fb) },
			func() error { return futErr(fc) },
		} {
			if err := errf(); err != nil {
				_ = p.SetError(err)
				return err
			}
		}
		va, _, _ := fa.Poll()
		vb, _, _ := fb.Poll()
		vc, _, _ := fc.Poll()
		r, err := fn(va, vb, vc)
		if err != nil {
			_ = p.SetError(err)
			return err
		}
		_ = p.SetValue(r)
		return nil
	}

	if s.immediate && allDone(fa, fb, fc) {
		_ = run()
	} else {
		e.Go(run)
	}
	return f
}

// AsCombinedFuture3 leaves combination but attaches no continuation.
func AsCombinedFuture3[A, B, C any](e *Executor, fa marker.Future[A], fb marker.Future[B], fc marker.Future[C]) marker.Future[Triple[A, B, C]] {
	return Then3(e, fa, fb, fc, func(a A, b B, c C) (Triple[A, B, C], error) {
		return Triple[A, B, C]{A: a, B: b, C: c}, nil
	})
}
