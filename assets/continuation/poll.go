package continuation

import (
	"time"

	"github.com/talonforge/assetcache/assets/marker"
)

// PollResult is returned by a PollToPromise check function.
type PollResult int

const (
	// Continue means the underlying producer has not finished advancing.
	Continue PollResult = iota
	// Finish means the producer is done; dispatch should be called next.
	Finish
)

// defaultPollInterval bounds the executor's wait between check calls when
// the caller does not supply one.
const defaultPollInterval = 50 * time.Millisecond

// PollToPromise is the variant for producers that advance by polling
// (spec.md §4.3): check is called repeatedly inside the executor's bounded
// wait until it reports Finish (or an error), then dispatch runs once to
// finalize the promise.
func PollToPromise[T any](e *Executor, check func() (PollResult, error), dispatch func() (T, error)) marker.Future[T] {
	return PollToPromiseWithInterval(e, check, dispatch, defaultPollInterval)
}

// PollToPromiseWithInterval is PollToPromise with an explicit poll cadence,
// for producers whose step function is expensive enough that the default
// interval would busy-loop it.
func PollToPromiseWithInterval[T any](e *Executor, check func() (PollResult, error), dispatch func() (T, error), interval time.Duration) marker.Future[T] {
	p, f := marker.NewPromise[T]()
	e.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				err := &marker.ShutdownError{Component: "continuation executor"}
				_ = p.SetError(err)
				return err
			case <-ticker.C:
				res, err := check()
				if err != nil {
					_ = p.SetError(err)
					return err
				}
				if res == Finish {
					v, err := dispatch()
					if err != nil {
						_ = p.SetError(err)
						return err
					}
					_ = p.SetValue(v)
					return nil
				}
			}
		}
	})
	return f
}
