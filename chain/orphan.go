package chain

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
)

// OrphanPool is C9: a bounded map of blocks whose parent is unknown,
// keyed by block hash, evicted by age then by decreasing height (§4.6).
// The age dimension is delegated to a ttlcache (teacher's
// `services/blockvalidation/Server.go` uses the same library for its own
// notify-dedup cache); OrphanPool layers a height-indexed secondary map
// on top, maintained entirely from the cache's eviction callback so
// there is exactly one place entries leave `byHeight` regardless of
// whether the removal was the TTL timer, capacity overflow, or
// RemoveByHeight.
type OrphanPool struct {
	mu sync.Mutex // guards byHeight only; cache is independently thread-safe

	cache    *ttlcache.Cache[hash.Hash, *core.Block]
	byHeight map[uint64]map[hash.Hash]struct{}

	maxSize int
}

// NewOrphanPool constructs an empty pool bounded by params.MaxOrphanSize
// and params.MaxOrphanAgeSecs.
func NewOrphanPool(params *chaincfg.Params) *OrphanPool {
	cache := ttlcache.New[hash.Hash, *core.Block](
		ttlcache.WithTTL[hash.Hash, *core.Block](time.Duration(params.MaxOrphanAgeSecs) * time.Second),
	)

	p := &OrphanPool{
		cache:    cache,
		byHeight: make(map[uint64]map[hash.Hash]struct{}),
		maxSize:  params.MaxOrphanSize,
	}

	cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[hash.Hash, *core.Block]) {
		p.mu.Lock()
		p.removeFromHeightIndexLocked(item.Value().Header.Height, item.Key())
		p.mu.Unlock()
	})

	go cache.Start()

	return p
}

// Stop releases the pool's background TTL-eviction goroutine.
func (p *OrphanPool) Stop() {
	p.cache.Stop()
}

func (p *OrphanPool) removeFromHeightIndexLocked(height uint64, h hash.Hash) {
	if set, ok := p.byHeight[height]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(p.byHeight, height)
		}
	}
}

// Insert adds blk to the pool, then evicts in decreasing-height order
// if the pool is still over capacity after whatever the TTL timer has
// already aged out (§4.6).
func (p *OrphanPool) Insert(blk *core.Block) {
	h := blk.Header.Hash()
	if p.cache.Has(h) {
		return
	}

	p.cache.Set(h, blk, ttlcache.DefaultTTL)

	p.mu.Lock()
	if p.byHeight[blk.Header.Height] == nil {
		p.byHeight[blk.Header.Height] = make(map[hash.Hash]struct{})
	}
	p.byHeight[blk.Header.Height][h] = struct{}{}
	p.mu.Unlock()

	p.evictOverCapacity()
}

// evictOverCapacity evicts the tallest-height orphan repeatedly until
// the pool is back at or under maxSize, per §4.6's two-stage rule (age
// eviction is the ttlcache's own background timer; this is the
// decreasing-height fallback).
func (p *OrphanPool) evictOverCapacity() {
	for p.cache.Len() > p.maxSize {
		tallest, ok := p.tallestHash()
		if !ok {
			return
		}
		p.cache.Delete(tallest) // fires OnEviction, which removes it from byHeight
	}
}

func (p *OrphanPool) tallestHash() (hash.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		best       hash.Hash
		bestHeight uint64
		found      bool
	)
	for height, set := range p.byHeight {
		for h := range set {
			if !found || height > bestHeight {
				best, bestHeight, found = h, height, true
			}
			break // any hash at this height carries the same tie-break weight
		}
	}
	return best, found
}

// Get returns the orphan for hash h, if present.
func (p *OrphanPool) Get(h hash.Hash) (*core.Block, bool) {
	item := p.cache.Get(h)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Has reports whether h is currently orphan-pool-resident.
func (p *OrphanPool) Has(h hash.Hash) bool {
	return p.cache.Has(h)
}

// RemoveByHeight drains and returns every orphan at exactly height h,
// used when a newly-accepted block at h-1 may unblock them (§4.5 step 6
// "check_orphans(height+1)").
func (p *OrphanPool) RemoveByHeight(h uint64) []*core.Block {
	p.mu.Lock()
	set, ok := p.byHeight[h]
	hashes := make([]hash.Hash, 0, len(set))
	if ok {
		for hh := range set {
			hashes = append(hashes, hh)
		}
	}
	p.mu.Unlock()

	out := make([]*core.Block, 0, len(hashes))
	for _, hh := range hashes {
		if item := p.cache.Get(hh); item != nil {
			out = append(out, item.Value())
		}
		p.cache.Delete(hh)
	}

	return out
}

// Len reports the current orphan count.
func (p *OrphanPool) Len() int {
	return p.cache.Len()
}
