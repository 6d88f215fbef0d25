package chain

import (
	"sync"

	"github.com/mw-labs/mwnode/hash"
)

// Denylist is a runtime set of header hashes that must never be
// accepted regardless of other validity (§4.5). Per §5 its lock is a
// leaf in the lock order: always acquired last, independent of the
// header_pmmr/txhashset/chain-store batch chain.
type Denylist struct {
	mu sync.RWMutex
	m  map[hash.Hash]struct{}
}

// NewDenylist constructs an empty denylist.
func NewDenylist() *Denylist {
	return &Denylist{m: make(map[hash.Hash]struct{})}
}

// Add bans h.
func (d *Denylist) Add(h hash.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[h] = struct{}{}
}

// Remove un-bans h.
func (d *Denylist) Remove(h hash.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, h)
}

// Contains reports whether h is denylisted.
func (d *Denylist) Contains(h hash.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.m[h]
	return ok
}
