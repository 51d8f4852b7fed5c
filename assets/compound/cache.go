package compound

import (
	"github.com/dgraph-io/ristretto"
)

// BlobCache retains parsed scaffolds' source blobs cost-weighted by byte
// size, per SPEC_FULL.md §4's domain-stack wiring: scaffold blobs can be
// large and are safe to evict and re-parse from disk, so a cost-bounded
// cache fits better here than an LRU-by-count cache would.
type BlobCache struct {
	ristretto *ristretto.Cache
}

// NewBlobCache builds a cache bounded by maxCostBytes total retained blob
// size (ristretto's NumCounters/BufferItems follow its own sizing advice:
// roughly 10x the expected distinct key count for NumCounters).
func NewBlobCache(maxCostBytes int64) (*BlobCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCostBytes / 1024 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &BlobCache{ristretto: rc}, nil
}

// Put retains sc under its unique id, cost-weighted by the blob's byte
// length. It may be silently dropped under memory pressure — callers must
// treat a cache miss as "re-parse from disk", never as an error.
func (c *BlobCache) Put(sc *Scaffold) {
	c.ristretto.Set(sc.UniqueID, sc, int64(len(sc.Blob)))
}

// Get returns the retained scaffold for uniqueID, if still resident.
func (c *BlobCache) Get(uniqueID uint64) (*Scaffold, bool) {
	v, ok := c.ristretto.Get(uniqueID)
	if !ok {
		return nil, false
	}
	sc, ok := v.(*Scaffold)
	return sc, ok
}

// Wait blocks until all pending Put calls have been applied, used by tests
// that need ristretto's async buffer drained before asserting on Get.
func (c *BlobCache) Wait() { c.ristretto.Wait() }

// Close releases the cache's background goroutines.
func (c *BlobCache) Close() { c.ristretto.Close() }
