// Package pool implements C10: the stempool/mempool transaction pool,
// its admission pipeline, a time-bounded reorg cache, aggregation with
// cut-through, and the Dandelion stem/fluff state machine (§4.7).
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
	"github.com/mw-labs/mwnode/utxo"
)

// Src identifies how an entry entered the pool, mirroring the (src, tx,
// tx_at) triple §4.7 stores per entry.
type Src int

const (
	SrcLocal Src = iota
	SrcStem
	SrcFluff
	SrcReorg
)

// Entry is a single pool-resident transaction: {src, tx, tx_at} (§4.7).
type Entry struct {
	Src  Src
	Tx   *core.Transaction
	At   time.Time
	// KernelExcesses indexes the entry for fast conflict/removal lookups
	// when a block is applied or a reorg reinstates it.
	KernelExcesses []core.Commitment
}

// reorgEntry additionally remembers the time the tx was disconnected
// at, so the reorg cache can expire entries outside the time-bounded
// window independent of the mempool/stempool's own capacity eviction.
type reorgEntry struct {
	entry        Entry
	disconnected time.Time
}

// Pool holds the two pools of §4.7: mempool (fluffed, mineable) and
// stempool (stemmed, not yet broadcast), plus the reorg cache used to
// re-admit transactions from disconnected blocks.
type Pool struct {
	mu sync.RWMutex

	logger   ulogger.Logger
	params   *chaincfg.Params
	settings *settings.PoolSettings
	verifier txhashset.Verifier

	mempool  map[core.Commitment]*Entry // keyed by first kernel excess
	stempool map[core.Commitment]*Entry

	reorgCache []reorgEntry
}

// New constructs an empty Pool.
func New(logger ulogger.Logger, params *chaincfg.Params, poolSettings *settings.PoolSettings, verifier txhashset.Verifier) *Pool {
	registerMetrics()
	return &Pool{
		logger:   logger,
		params:   params,
		settings: poolSettings,
		verifier: verifier,
		mempool:  make(map[core.Commitment]*Entry),
		stempool: make(map[core.Commitment]*Entry),
	}
}

func txKey(tx *core.Transaction) (core.Commitment, bool) {
	if len(tx.Body.Kernels) == 0 {
		return core.Commitment{}, false
	}
	return tx.Body.Kernels[0].Excess, true
}

func excessesOf(tx *core.Transaction) []core.Commitment {
	out := make([]core.Commitment, len(tx.Body.Kernels))
	for i, k := range tx.Body.Kernels {
		out[i] = k.Excess
	}
	return out
}

// AdmitStem runs the §4.7 admission pipeline and, on success, inserts tx
// into the stempool with src (used for newly-received Dandelion stem
// transactions, which are forwarded rather than broadcast).
func (p *Pool) AdmitStem(view *utxo.View, nrd NRDIndex, nextHeight uint64, src Src, tx *core.Transaction) error {
	return p.admitMetered("stem", view, nrd, nextHeight, src, tx, true)
}

// AdmitFluff is identical but inserts into the mempool (fluffed,
// mineable transactions).
func (p *Pool) AdmitFluff(view *utxo.View, nrd NRDIndex, nextHeight uint64, src Src, tx *core.Transaction) error {
	return p.admitMetered("fluff", view, nrd, nextHeight, src, tx, false)
}

func (p *Pool) admitMetered(label string, view *utxo.View, nrd NRDIndex, nextHeight uint64, src Src, tx *core.Transaction, stem bool) error {
	err := p.admit(view, nrd, nextHeight, src, tx, stem)
	if err != nil {
		admissions.WithLabelValues(label, "rejected").Inc()
	} else {
		admissions.WithLabelValues(label, "admitted").Inc()
	}
	return err
}

// NRDIndex is the minimal surface the admission pipeline needs from the
// chain store's NRD recent-kernel index (§4.7 step 2 "validate ... against
// ... recent-kernel index"), narrowed so the pool package doesn't need to
// import chainstore's batch type directly.
type NRDIndex interface {
	PeekNRD(excess core.Commitment) (pos, height uint64, found bool, err error)
}

func (p *Pool) admit(view *utxo.View, nrd NRDIndex, nextHeight uint64, src Src, tx *core.Transaction, stem bool) error {
	// Step 1: structural validation (weights, sorted+unique, no NRD
	// duplicates within the tx, no cut-through inside the tx, features).
	if err := tx.Body.Validate(p.params.MaxBlockWeight); err != nil {
		return err
	}

	// Step 2: aggregate with all currently mempool-resident txs and
	// validate against the UTXO view and the recent-kernel index.
	p.mu.RLock()
	residentTxs := p.mempoolTxsLocked()
	p.mu.RUnlock()

	combined := append(append([]*core.Transaction{}, residentTxs...), tx)
	agg, err := Aggregate(p.verifier, combined)
	if err != nil {
		return err
	}
	if err := agg.Body.Validate(p.params.MaxBlockWeight * uint64(len(combined)+1)); err != nil {
		return err
	}

	// Step 3: resolve each input against the live UTXO view and enforce
	// coinbase maturity (§4.7 step 3); a core.Input only wire-encodes a
	// commitment, so ResolveInputAndCheckMature reads the output leaf's
	// own stored identifier back out to recover its Features.
	for _, in := range tx.Body.Inputs {
		if _, err := view.ResolveInputAndCheckMature(in.Commit, nextHeight); err != nil {
			return err
		}
	}

	nextHeightForLock := nextHeight
	if lh := tx.LockHeight(); lh > nextHeightForLock {
		return errors.New(errors.ERR_BAD_DATA, "kernel lock_height %d exceeds next block height %d", lh, nextHeightForLock)
	}

	for _, k := range tx.Body.Kernels {
		if k.Features.Type != core.KernelNoRecentDuplicate {
			continue
		}
		if k.Features.RelativeHeight > uint16(p.params.Week) {
			return errors.New(errors.ERR_BAD_DATA, "NRD relative_height %d exceeds chain week bound %d", k.Features.RelativeHeight, p.params.Week)
		}
		_, priorHeight, found, err := nrd.PeekNRD(k.Excess)
		if err != nil {
			return errors.New(errors.ERR_STORE, "query nrd index", err)
		}
		if found && nextHeight < priorHeight+uint64(k.Features.RelativeHeight) {
			return errors.New(errors.ERR_INVALID_NRD_RELATIVE_HEIGHT,
				"NRD kernel excess %s conflicts with prior admission at height %d", k.Excess, priorHeight)
		}
	}

	key, ok := txKey(tx)
	if !ok {
		return errors.New(errors.ERR_BAD_DATA, "transaction has no kernels")
	}

	entry := &Entry{Src: src, Tx: tx, At: time.Now(), KernelExcesses: excessesOf(tx)}

	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.mempool
	maxSize := p.settings.MaxMempoolSize
	if stem {
		target = p.stempool
		maxSize = p.settings.MaxStempoolSize
	}

	if _, dup := target[key]; dup {
		return errors.New(errors.ERR_BAD_DATA, "duplicate transaction %s already pool-resident", key)
	}
	target[key] = entry

	p.evictLowestFeeRateLocked(target, maxSize)
	p.reportSizesLocked()

	return nil
}

// reportSizesLocked refreshes the pool-size gauges. Caller holds p.mu.
func (p *Pool) reportSizesLocked() {
	mempoolSize.Set(float64(len(p.mempool)))
	stempoolSize.Set(float64(len(p.stempool)))
}

func (p *Pool) mempoolTxsLocked() []*core.Transaction {
	txs := make([]*core.Transaction, 0, len(p.mempool))
	for _, e := range p.mempool {
		txs = append(txs, e.Tx)
	}
	return txs
}

// evictLowestFeeRateLocked enforces §4.7 step 4: "evict the lowest-fee-
// rate txs if capacity is exceeded." Caller holds p.mu.
func (p *Pool) evictLowestFeeRateLocked(pool map[core.Commitment]*Entry, maxSize int) {
	if maxSize <= 0 || len(pool) <= maxSize {
		return
	}

	type kv struct {
		key core.Commitment
		e   *Entry
	}
	entries := make([]kv, 0, len(pool))
	for k, e := range pool {
		entries = append(entries, kv{k, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].e.Tx.FeeRate() < entries[j].e.Tx.FeeRate()
	})

	toEvict := len(pool) - maxSize
	for i := 0; i < toEvict; i++ {
		delete(pool, entries[i].key)
	}
}

// MempoolEntries returns a snapshot of the mineable pool, highest
// fee-rate first, the order a block assembler would consume. Entries with
// equal fee rates come in no fixed order.
func (p *Pool) MempoolEntries() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Entry, 0, len(p.mempool))
	for _, e := range p.mempool {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tx.FeeRate() > out[j].Tx.FeeRate() })
	return out
}

// RemoveMined drops every mempool/stempool entry whose kernel excess
// appears in minedExcesses — called after a block is applied so the pool
// reconciles against the new chain state (§2 "C10 reconciliation").
func (p *Pool) RemoveMined(minedExcesses map[core.Commitment]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pl := range []map[core.Commitment]*Entry{p.mempool, p.stempool} {
		for key, e := range pl {
			for _, ex := range e.KernelExcesses {
				if _, mined := minedExcesses[ex]; mined {
					delete(pl, key)
					break
				}
			}
		}
	}
	p.reportSizesLocked()
}

// PromoteStemToFluff moves key's entry, unchanged, from the stempool into
// the mempool — the Dandelion state machine calls this when a stem epoch
// ends or stem relay forwarding fails. The entry is not aggregated with
// any other transaction.
func (p *Pool) PromoteStemToFluff(key core.Commitment) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.stempool[key]
	if !ok {
		return false
	}
	delete(p.stempool, key)
	e.Src = SrcFluff
	p.mempool[key] = e
	p.reportSizesLocked()
	return true
}

// StempoolEntries returns every stempool-resident entry, used by
// Dandelion.ExpireStems to move them into the mempool.
func (p *Pool) StempoolEntries() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Entry, 0, len(p.stempool))
	for _, e := range p.stempool {
		out = append(out, e)
	}
	return out
}

// Disconnect moves entries whose inputs/outputs were only valid on the
// disconnected chain into the reorg cache (§4.7 "Reorg handling: on a
// reorg, txs from disconnected blocks within a time-bounded reorg cache
// are re-admitted").
func (p *Pool) Disconnect(txs []*core.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, tx := range txs {
		p.reorgCache = append(p.reorgCache, reorgEntry{
			entry:        Entry{Src: SrcReorg, Tx: tx, At: now, KernelExcesses: excessesOf(tx)},
			disconnected: now,
		})
	}
	reorgCacheSz.Set(float64(len(p.reorgCache)))
}

// ReplayReorgCache re-admits cached transactions (dropping any that now
// conflict with the new chain) and expires entries older than
// ReorgCacheWindow.
func (p *Pool) ReplayReorgCache(view *utxo.View, nrd NRDIndex, nextHeight uint64) {
	p.mu.RLock()
	cache := append([]reorgEntry(nil), p.reorgCache...)
	window := p.settings.ReorgCacheWindow
	p.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var survivors []reorgEntry

	for _, re := range cache {
		if re.disconnected.Before(cutoff) {
			continue // expired
		}

		conflicts := false
		for _, in := range re.entry.Tx.Body.Inputs {
			if !view.IsUnspent(in.Commit) {
				conflicts = true
				break
			}
		}
		if conflicts {
			continue
		}

		if err := p.AdmitFluff(view, nrd, nextHeight, SrcReorg, re.entry.Tx); err == nil {
			continue // re-admitted into mempool, drop from cache
		}
		survivors = append(survivors, re)
	}

	p.mu.Lock()
	p.reorgCache = survivors
	p.mu.Unlock()
	reorgCacheSz.Set(float64(len(survivors)))
}
