// Package continuation implements the multi-future continuation engine
// (spec.md §4.3): WhenAll-style fan-in over heterogeneous futures, typed
// "then" chaining, poll-to-promise for step functions, and the timed
// executor that owns them all.
package continuation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/talonforge/assetcache/assets/marker"
)

var log = logrus.WithField("prefix", "continuation")

// Waitable is the minimal surface the executor polls: anything with a
// completion channel. marker.Future[T] satisfies this for any T.
type Waitable interface {
	Done() <-chan struct{}
}

// maxWait bounds every tracked wait as a safety net (spec.md §4.3
// Scheduling model: "typically 1 hour, used only as a safety net; no
// operation is intended to rely on it").
const maxWait = time.Hour

var (
	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "assetcache",
		Subsystem: "continuation",
		Name:      "executor_queue_depth",
		Help:      "Number of TimedWaitables currently tracked by the continuation executor.",
	})
)

func init() {
	_ = prometheus.Register(queueDepthGauge)
}

// Executor owns a small pool of goroutines that poll tracked Waitables with
// a bounded wait, the "continuation executor" of spec.md §5. Shutdown
// completes every pending promise it knows about with a ShutdownError, per
// spec.md §4.3 Cancellation.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewExecutor builds an executor bound to ctx. Cancelling ctx (or calling
// Shutdown) tears it down.
//
// The shutdown signal (e.ctx) is a plain derived context, not the one
// errgroup.WithContext would hand back: that variant cancels its context
// the instant any task returns a non-nil error, which would turn one
// chain's genuine construction failure into a spurious shutdown signal
// observed by every other in-flight continuation sharing this executor.
// Keeping them separate lets the group still capture the first real error
// (surfaced by Shutdown) without that cross-task interference.
func NewExecutor(ctx context.Context) *Executor {
	gctx, cancel := context.WithCancel(ctx)
	return &Executor{ctx: gctx, cancel: cancel, group: &errgroup.Group{}}
}

// Shutdown cancels the executor context; in-flight waits observe ctx.Err()
// and surface it as a ShutdownError to their caller.
func (e *Executor) Shutdown() error {
	e.cancel()
	return e.group.Wait()
}

// wait blocks on w with the executor's bounded timeout, returning early if
// the executor itself is shut down.
func (e *Executor) wait(w Waitable) error {
	queueDepthGauge.Inc()
	defer queueDepthGauge.Dec()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-w.Done():
		return nil
	case <-e.ctx.Done():
		return &marker.ShutdownError{Component: "continuation executor"}
	case <-timer.C:
		log.Warn("TimedWaitable exceeded the 1-hour safety-net bound")
		return context.DeadlineExceeded
	}
}

// Go runs fn on its own goroutine in the executor's errgroup, the fan-in
// primitive the rest of this package builds on. fn's returned error is
// genuinely captured as the group's first error (surfaced by Shutdown),
// except a *marker.ShutdownError — that reflects the executor's own
// teardown racing fn's wait, not a task failure, and must not make
// Shutdown itself look like it failed.
func (e *Executor) Go(fn func() error) {
	e.group.Go(func() error {
		err := fn()
		if _, ok := err.(*marker.ShutdownError); ok {
			return nil
		}
		return err
	})
}
