package pool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/ulogger"
	"github.com/mw-labs/mwnode/utxo"
)

// Dandelion drives the stem/fluff epoch state machine of §4.7: for the
// duration of an epoch every node is either in "stem" relay-mode (new
// local transactions are stemmed one hop further) or "fluff" broadcast
// mode (new local transactions go straight to the mempool); which mode
// applies flips randomly at each epoch boundary, the anonymity property
// a single stem-only or fluff-only node would not provide.
type Dandelion struct {
	mu sync.Mutex

	logger   ulogger.Logger
	pool     *Pool
	relay    *Relay
	settings *settings.PoolSettings

	epochStem   bool
	epochEndsAt time.Time

	// relayPeer is the single next-hop address picked for the current
	// epoch; §4.7 requires a node stem-forward to the same peer for the
	// whole epoch, not re-randomize per transaction.
	relayPeer string
	peers     []string
}

// NewDandelion constructs a Dandelion state machine with an initial
// randomly-chosen epoch.
func NewDandelion(logger ulogger.Logger, p *Pool, relay *Relay, poolSettings *settings.PoolSettings, peers []string) *Dandelion {
	d := &Dandelion{
		logger:   logger,
		pool:     p,
		relay:    relay,
		settings: poolSettings,
		peers:    peers,
	}
	d.rollEpochLocked()
	return d
}

func (d *Dandelion) rollEpochLocked() {
	d.epochStem = rand.Float64() < d.settings.DandelionStemProb
	d.epochEndsAt = time.Now().Add(d.settings.DandelionEpochSecs)
	if len(d.peers) > 0 {
		d.relayPeer = d.peers[rand.Intn(len(d.peers))]
	} else {
		d.relayPeer = ""
	}
}

// maybeRollEpochLocked re-rolls the epoch if it has expired. Caller holds d.mu.
func (d *Dandelion) maybeRollEpochLocked() {
	if time.Now().After(d.epochEndsAt) {
		d.rollEpochLocked()
	}
}

// InStemPhase reports whether the current epoch is in stem mode.
func (d *Dandelion) InStemPhase() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeRollEpochLocked()
	return d.epochStem
}

// Submit routes a newly-originated local transaction: in stem mode it is
// relayed to the epoch's single peer (falling back to fluff on relay
// failure); in fluff mode it goes directly to the mempool (§4.7
// "fluff phase: ... the tx is broadcast to all peers").
func (d *Dandelion) Submit(ctx context.Context, view *utxo.View, nrd NRDIndex, nextHeight uint64, tx *core.Transaction) error {
	d.mu.Lock()
	d.maybeRollEpochLocked()
	stem, peer := d.epochStem, d.relayPeer
	d.mu.Unlock()

	if !stem || peer == "" {
		return d.pool.AdmitFluff(view, nrd, nextHeight, SrcLocal, tx)
	}

	if err := d.pool.AdmitStem(view, nrd, nextHeight, SrcStem, tx); err != nil {
		return err
	}

	if err := d.relay.SendStem(ctx, peer, tx); err != nil {
		d.logger.Warnf("stem relay failed, fluffing locally: %v", err)
		key, ok := txKey(tx)
		if ok {
			d.pool.PromoteStemToFluff(key)
		}
	}

	return nil
}

// ExpireStems re-rolls the epoch if it has expired and, when the current
// epoch is a fluff epoch, moves every stempool entry into the mempool one
// entry at a time via PromoteStemToFluff; during a stem epoch it does
// nothing. Entries are not aggregated before they are moved.
func (d *Dandelion) ExpireStems() {
	d.mu.Lock()
	d.maybeRollEpochLocked()
	stillStemming := d.epochStem
	d.mu.Unlock()

	if stillStemming {
		return
	}

	for _, e := range d.pool.StempoolEntries() {
		key, ok := txKey(e.Tx)
		if !ok {
			continue
		}
		d.pool.PromoteStemToFluff(key)
	}
}
