package heap

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/talonforge/assetcache/assets/marker"
	"github.com/talonforge/assetcache/async/event"
)

const shardCount = 256

// UpdateEvent is broadcast on AssetHeap's update signal whenever
// VisibilityBarrier promotes a slot to foreground-visible; out-of-band
// promotions by StallWhilePending are not broadcast. It is the generic
// replacement for the
// original's inline debug-overlay hooks (SPEC_FULL.md §5.1 supplement).
type UpdateEvent struct {
	Type  string
	ID    uint64
	State marker.State
}

var (
	barrierCounterMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assetcache",
		Subsystem: "heap",
		Name:      "visibility_barriers_total",
		Help:      "Number of VisibilityBarrier calls observed.",
	})
	stallCounterMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assetcache",
		Subsystem: "heap",
		Name:      "stalls_total",
		Help:      "Number of StallWhilePending calls observed across all tables.",
	})
)

func init() {
	_ = prometheus.Register(barrierCounterMetric)
	_ = prometheus.Register(stallCounterMetric)
}

// AssetHeap is the typed concurrent map from (type, id) to a cached,
// possibly-still-building asset (spec.md §4.1).
type AssetHeap struct {
	shards [shardCount]shard

	barrierMu sync.Mutex
	barrier   uint64

	watcher *watcher

	longTaskPool  *Pool
	shortTaskPool *Pool

	updateSignal event.Feed[UpdateEvent]

	closersMu sync.Mutex
	closers   []func()
}

// Config bounds the two worker pools every heap needs (spec.md §5): a
// long-task pool for user-triggered auto-construction and initial compiler
// invocations, and a short-task pool for quick resolver work.
type Config struct {
	LongTaskWorkers  int
	ShortTaskWorkers int
}

// New creates an AssetHeap with the given pool sizes.
func New(cfg Config) *AssetHeap {
	if cfg.LongTaskWorkers <= 0 {
		cfg.LongTaskWorkers = 8
	}
	if cfg.ShortTaskWorkers <= 0 {
		cfg.ShortTaskWorkers = 4
	}
	return &AssetHeap{
		watcher:       newWatcher(),
		longTaskPool:  NewPool(cfg.LongTaskWorkers),
		shortTaskPool: NewPool(cfg.ShortTaskWorkers),
	}
}

// ShortTaskPool exposes the short-task pool to collaborators (e.g. the
// compound-asset resolver's tree-assembly walk) that need to run quick work
// without competing with long-running auto-construct tasks.
func (h *AssetHeap) ShortTaskPool() *Pool { return h.shortTaskPool }

func (h *AssetHeap) registerCloser(c interface{ Close() }) {
	h.closersMu.Lock()
	defer h.closersMu.Unlock()
	h.closers = append(h.closers, c.Close)
}

// VisibilityBarrier advances the global barrier counter and promotes every
// slot whose pending future has completed since the previous barrier into
// foreground-visible state (spec.md §4.1 Completion path, step 4).
func (h *AssetHeap) VisibilityBarrier() uint64 {
	h.barrierMu.Lock()
	h.barrier++
	barrierID := h.barrier
	h.barrierMu.Unlock()

	atomic.StoreUint64(&outOfBandBarrierStamp, barrierID)
	barrierCounterMetric.Inc()

	for i := range h.shards {
		entries := h.shards[i].snapshot()
		for _, e := range entries {
			batch := h.watcher.drain(e.id)
			if len(batch) == 0 {
				continue
			}
			typeName := e.name
			e.ops.CheckCompletion(batch, barrierID, func(id uint64, state marker.State) {
				h.updateSignal.Send(UpdateEvent{Type: typeName, ID: id, State: state})
			})
		}
	}
	return barrierID
}

// Subscribe attaches a new listener to the heap's update signal.
func (h *AssetHeap) Subscribe(buffer int) *event.Subscription[UpdateEvent] {
	return h.updateSignal.Subscribe(buffer)
}

// Close tears down every registered table, waiting out any in-flight
// StallWhilePending callers first (spec.md S7).
func (h *AssetHeap) Close() {
	h.closersMu.Lock()
	closers := append([]func(){}, h.closers...)
	h.closersMu.Unlock()
	for _, c := range closers {
		c()
	}
	h.watcher.Close()
}
