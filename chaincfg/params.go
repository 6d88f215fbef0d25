// Package chaincfg defines the consensus-adjacent parameters the chain
// state engine is configured with — the numeric values the specification
// requires be "agreed cluster-wide" without mandating what they are.
package chaincfg

// Params groups every consensus-adjacent constant the engine consults.
// Separate named instances (MainNetParams, TestNetParams) let a single
// binary run against either network without recompiling.
type Params struct {
	Name string

	// CoinbaseMaturity is the number of confirmations a coinbase output
	// must accumulate before it is spendable.
	CoinbaseMaturity uint64

	// Week is the block-count equivalent of one week at the network's
	// target block interval; it bounds NRD kernels' relative_height.
	Week uint64

	// HorizonBlocks bounds how far back full transaction history is kept
	// before compaction is eligible to prune spent leaves.
	HorizonBlocks uint64

	// CompactionWindow is how often (in blocks) check_compact may run
	// while the node is not archival: horizon+60 per the lifecycle rule.
	CompactionWindow uint64

	// ArchiveInterval is the block-height granularity at which an
	// archive header is chosen: floor((head-threshold)/interval)*interval.
	ArchiveInterval uint64

	// StateSyncThreshold is how far behind the chain tip the archive
	// header must sit, so the archive state is stable under small reorgs.
	StateSyncThreshold uint64

	// MaxOrphanSize bounds the orphan pool (C9).
	MaxOrphanSize int

	// MaxOrphanAgeSecs bounds how long an orphan may sit before it is
	// evicted by age rather than by height.
	MaxOrphanAgeSecs int64

	// MaxBlockWeight bounds the weighted input/output/kernel count of a
	// single block (supplemented from original_source/core/src/core/block.rs).
	MaxBlockWeight uint64

	// BlockTimeSecs is the target spacing between blocks; used only to
	// translate Week/HorizonBlocks into human terms, not to validate PoW.
	BlockTimeSecs int64

	// BlockReward is the fixed per-block coinbase issuance the kernel-sum
	// check's overage term must account for; the emission *schedule* is
	// out of scope (§1 Non-goals), but the pipeline still needs a concrete
	// value to pass through to ValidateKernelSum.
	BlockReward uint64
}

// Overage returns the net value the kernel-sum equation must reconcile
// for a coinbase-issuing block at height: the reward minted, uncorrelated
// with any halving schedule since that schedule is out of scope.
func (p *Params) Overage(height uint64) int64 {
	return -int64(p.BlockReward)
}

const (
	blocksPerWeek = 7 * 24 * 60 // one block per minute
)

// MainNetParams are the production network's consensus parameters.
var MainNetParams = Params{
	Name:               "mainnet",
	CoinbaseMaturity:    1_000,
	Week:                blocksPerWeek,
	HorizonBlocks:       20_160, // two weeks
	CompactionWindow:    20_160 + 60,
	ArchiveInterval:     10_080, // one week
	StateSyncThreshold:  2_880,  // two days
	MaxOrphanSize:       200,
	MaxOrphanAgeSecs:    300,
	MaxBlockWeight:      40_000,
	BlockTimeSecs:       60,
	BlockReward:         60_000_000_000,
}

// TestNetParams relaxes the maturity/horizon windows for faster iteration
// while keeping the same structural constants.
var TestNetParams = Params{
	Name:               "testnet",
	CoinbaseMaturity:    10,
	Week:                blocksPerWeek,
	HorizonBlocks:       1_440,
	CompactionWindow:    1_440 + 60,
	ArchiveInterval:     720,
	StateSyncThreshold:  144,
	MaxOrphanSize:       200,
	MaxOrphanAgeSecs:    300,
	MaxBlockWeight:      40_000,
	BlockTimeSecs:       60,
	BlockReward:         60_000_000_000,
}

// ArchiveHeight computes the deterministic archive header height for the
// given chain tip height, per §4.8.
func (p *Params) ArchiveHeight(headHeight uint64) uint64 {
	if headHeight < p.StateSyncThreshold {
		return 0
	}
	target := headHeight - p.StateSyncThreshold
	return (target / p.ArchiveInterval) * p.ArchiveInterval
}
