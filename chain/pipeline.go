package chain

import (
	"bytes"
	"path/filepath"
	"sync"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
)

// HeaderValidator is the proof-of-work/difficulty/timestamp/version
// collaborator §4.5 step 1 names but leaves external, the same way
// txhashset.Verifier stands in for the Pedersen/Bulletproof/Schnorr math
// (§1 Non-goals: we specify how consensus rules are enforced, not their
// numeric values, so the pipeline calls out to this interface for them).
type HeaderValidator interface {
	ValidatePow(header *core.BlockHeader) error
	ValidateDifficulty(header, prev *core.BlockHeader) error
	ValidateTimestamp(header, prev *core.BlockHeader) error
	ValidateVersion(header *core.BlockHeader) error
}

// Outcome classifies how an accepted block relates to the previously
// committed best chain (§4.5 step 5).
type Outcome int

const (
	OutcomeNext Outcome = iota
	OutcomeReorg
	OutcomeFork
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNext:
		return "Next"
	case OutcomeReorg:
		return "Reorg"
	case OutcomeFork:
		return "Fork"
	default:
		return "Unknown"
	}
}

// Result reports how ProcessBlock resolved a single inbound block.
type Result struct {
	Outcome      Outcome
	Height       uint64
	Hash         hash.Hash
	Disconnected []*core.Block // removed from the best chain, oldest first (Reorg only)
	Connected    []*core.Block // newly applied to the best chain, oldest first (Next/Reorg)
}

// Pipeline is C8: the block acceptance pipeline of §4.5, composed over an
// Extension-backed TxHashSet (C6), a chainstore (C4), the orphan pool (C9)
// and a denylist. It also owns the unprunable header MMR the body MMRs'
// PrevRoot field commits to, advancing or rewinding it in lock-step with
// the body chain so the two "separate atomic steps" §5 describes never
// drift apart within a single ProcessBlock call.
type Pipeline struct {
	mu sync.Mutex // guards headerBackend; acquired first per §5's header_pmmr -> txhashset -> batch order

	logger    ulogger.Logger
	params    *chaincfg.Params
	store     *chainstore.Store
	ths       *txhashset.TxHashSet
	verifier  txhashset.Verifier
	headerVal HeaderValidator
	wireVer   core.WireVersion

	denylist *Denylist
	orphans  *OrphanPool

	headerBackend *mmr.Backend
}

// NewPipeline opens (or creates) the header MMR under dataDir and wires
// the pipeline over the already-open store/txhashset/verifier/validator.
func NewPipeline(logger ulogger.Logger, dataDir string, params *chaincfg.Params, store *chainstore.Store, ths *txhashset.TxHashSet, verifier txhashset.Verifier, headerVal HeaderValidator) (*Pipeline, error) {
	hb, err := mmr.New(logger.New("header_mmr"), filepath.Join(dataDir, "header"), false)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "open header mmr", err)
	}

	if err := rehydrateOutputIndex(store, ths); err != nil {
		return nil, err
	}

	registerMetrics()

	return &Pipeline{
		logger:        logger,
		params:        params,
		store:         store,
		ths:           ths,
		verifier:      verifier,
		headerVal:     headerVal,
		wireVer:       core.WireV2,
		denylist:      NewDenylist(),
		orphans:       NewOrphanPool(params),
		headerBackend: hb,
	}, nil
}

// rehydrateOutputIndex rebuilds a freshly-opened TxHashSet's in-memory
// commitment->position index from the chain store's persisted copy (§3
// I2): txhashset.Open always starts with an empty index, since the MMR
// backends it wraps are the authoritative on-disk state and the index is
// only a hot-path cache over them, mirroring the way mmr.Backend.reload
// rebuilds its own offset index by scanning rather than persisting it.
func rehydrateOutputIndex(store *chainstore.Store, ths *txhashset.TxHashSet) error {
	batch, err := store.View()
	if err != nil {
		return err
	}
	defer batch.Rollback()

	err = batch.ForEachOutputPos(func(commit core.Commitment, op chainstore.OutputPos) error {
		ths.IndexOutput(commit, txhashset.CommitPos{Pos: op.Pos, Height: op.Height})
		return nil
	})
	if err != nil {
		return errors.New(errors.ERR_STORE, "rehydrate output index", err)
	}
	return nil
}

// Denylist exposes the pipeline's denylist for external administration
// (a node operator banning a known-bad hash).
func (p *Pipeline) Denylist() *Denylist { return p.denylist }

// Orphans exposes the pipeline's orphan pool for inspection/metrics.
func (p *Pipeline) Orphans() *OrphanPool { return p.orphans }

// Store exposes the underlying chain store so a peer-facing adapter can
// open its own read batches for header/block lookups.
func (p *Pipeline) Store() *chainstore.Store { return p.store }

// WireVersion reports the wire encoding ProcessBlock persists blocks
// under, so an adapter re-encoding a block for a peer uses the same form.
func (p *Pipeline) WireVersion() core.WireVersion { return p.wireVer }

// headerMMRSize returns the header MMR's logical size once it holds the
// leaves for heights 0..height inclusive: InsertionToPMMRIndex(n) is the
// *position* of leaf n, i.e. size(n leaves)+1 (pibd/desegmenter.go's own
// InsertionToPMMRIndex(firstLeafIdx) == backend.Size()+1 use confirms the
// convention), so size(height+1 leaves) is one less than that.
func headerMMRSize(height uint64) uint64 {
	return mmr.InsertionToPMMRIndex(height+1) - 1
}

func encodeHeaderBytes(h *core.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := core.EncodeHeader(&buf, h); err != nil {
		return nil, errors.New(errors.ERR_STORE, "encode header for header mmr", err)
	}
	return buf.Bytes(), nil
}

// InitGenesis seeds an empty store with the genesis block: no parent, no
// PrevRoot/difficulty check, direct application (§3 Lifecycle).
func (p *Pipeline) InitGenesis(genesis *core.Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch, err := p.store.Begin()
	if err != nil {
		return err
	}

	hdrBytes, err := encodeHeaderBytes(genesis.Header)
	if err != nil {
		_ = batch.Rollback()
		return err
	}
	if _, err := p.headerBackend.Append(hash.Leaf(hdrBytes), hdrBytes); err != nil {
		_ = batch.Rollback()
		return errors.New(errors.ERR_STORE, "append genesis header leaf", err)
	}

	hh := genesis.Header.Hash()
	if err := batch.PutHeader(genesis.Header); err != nil {
		_ = batch.Rollback()
		return err
	}
	if err := batch.PutBlock(genesis, p.wireVer); err != nil {
		_ = batch.Rollback()
		return err
	}
	sums, err := p.computeBlockSums(genesis)
	if err != nil {
		_ = batch.Rollback()
		return err
	}
	if err := batch.PutBlockSums(hh, sums); err != nil {
		_ = batch.Rollback()
		return err
	}
	if err := batch.SetHeaderHead(hh); err != nil {
		_ = batch.Rollback()
		return err
	}
	if err := batch.SetBodyTail(hh); err != nil {
		_ = batch.Rollback()
		return err
	}

	if err := txhashset.Extending(p.ths, batch, p.verifier, p.params, func(ext *txhashset.Extension) error {
		return ext.ApplyBlock(genesis) // also calls batch.SetHead
	}); err != nil {
		_ = batch.Rollback()
		return err
	}

	return batch.Commit()
}

// computeBlockSums sums a block's own declared commitments directly,
// independent of any live UTXO resolution, so block_sums can be recorded
// for every stored block per I6 — including a side-chain block this
// pipeline run never applies.
func (p *Pipeline) computeBlockSums(blk *core.Block) (chainstore.BlockSums, error) {
	outputs := make([]core.Commitment, len(blk.Body.Outputs))
	for i, o := range blk.Body.Outputs {
		outputs[i] = o.Commit
	}
	inputs := make([]core.Commitment, len(blk.Body.Inputs))
	for i, in := range blk.Body.Inputs {
		inputs[i] = in.Commit
	}
	excesses := make([]core.Commitment, len(blk.Body.Kernels))
	for i, k := range blk.Body.Kernels {
		excesses[i] = k.Excess
	}

	utxoSum, err := p.verifier.SumCommitments(outputs, inputs)
	if err != nil {
		return chainstore.BlockSums{}, errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "sum block utxo diff", err)
	}
	kernelSum, err := p.verifier.SumCommitments(excesses, nil)
	if err != nil {
		return chainstore.BlockSums{}, errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "sum block kernel excesses", err)
	}
	return chainstore.BlockSums{UTXOSum: utxoSum, KernelSum: kernelSum}, nil
}

// ProcessBlock runs §4.5's pipeline against blk: denylist, duplicate and
// orphan checks, header validation, unconditional header/body persistence
// (I6), fork-point detection, and — only when blk's branch now carries
// more total difficulty than the committed head — extension apply with
// full validation, classified as Next or Reorg. A lighter or equal branch
// is persisted but left uncommitted (Fork). Orphans unblocked by this
// call are drained and processed in turn once the call returns.
func (p *Pipeline) ProcessBlock(blk *core.Block, opts Options) (Result, error) {
	result, err := p.processOnce(blk, opts)
	if err != nil {
		return result, err
	}
	p.drainOrphans(blk.Header.Height + 1)
	return result, nil
}

func (p *Pipeline) processOnce(blk *core.Block, opts Options) (Result, error) {
	hh := blk.Header.Hash()

	if p.denylist.Contains(hh) {
		denylistHits.Inc()
		return Result{}, errors.New(errors.ERR_DENYLISTED, "block %s is denylisted", hh)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	batch, err := p.store.Begin()
	if err != nil {
		return Result{}, err
	}

	if err := p.isKnown(batch, blk); err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}

	if err := p.checkOrphan(batch, blk); err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}

	plan, err := p.planFork(batch, blk)
	if err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}

	if blk.Header.Height > 0 {
		prev, found, err := batch.GetHeader(blk.Header.Previous)
		if err != nil {
			_ = batch.Rollback()
			return Result{}, err
		}
		if !found {
			_ = batch.Rollback()
			return Result{}, errors.New(errors.ERR_ORPHAN, "parent header %s unknown", blk.Header.Previous)
		}
		if err := p.headerVal.ValidateDifficulty(blk.Header, prev); err != nil {
			_ = batch.Rollback()
			return Result{}, errors.New(errors.ERR_BAD_DATA, "invalid difficulty at height %d", blk.Header.Height, err)
		}
		if err := p.headerVal.ValidateTimestamp(blk.Header, prev); err != nil {
			_ = batch.Rollback()
			return Result{}, errors.New(errors.ERR_BAD_DATA, "invalid timestamp at height %d", blk.Header.Height, err)
		}
	}
	if err := p.headerVal.ValidatePow(blk.Header); err != nil {
		_ = batch.Rollback()
		return Result{}, errors.New(errors.ERR_BAD_DATA, "invalid proof of work at height %d", blk.Header.Height, err)
	}
	if err := p.headerVal.ValidateVersion(blk.Header); err != nil {
		_ = batch.Rollback()
		return Result{}, errors.New(errors.ERR_BAD_DATA, "invalid version at height %d", blk.Header.Height, err)
	}

	// I6: every non-orphan block is stored regardless of whether it ends
	// up on the best chain.
	if err := batch.PutHeader(blk.Header); err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}
	if err := batch.PutBlock(blk, p.wireVer); err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}
	sums, err := p.computeBlockSums(blk)
	if err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}
	if err := batch.PutBlockSums(hh, sums); err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}
	if blk.Header.TotalDifficulty > p.headerHeadDifficulty(batch) {
		if err := batch.SetHeaderHead(hh); err != nil {
			_ = batch.Rollback()
			return Result{}, err
		}
	}

	headHeader, hasHead, err := p.headOfBatch(batch)
	if err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}
	winning := !hasHead || blk.Header.TotalDifficulty > headHeader.TotalDifficulty

	if !winning {
		if err := batch.Commit(); err != nil {
			return Result{}, err
		}
		blocksProcessed.WithLabelValues(OutcomeFork.String()).Inc()
		return Result{Outcome: OutcomeFork, Height: blk.Header.Height, Hash: hh}, nil
	}

	err = txhashset.Extending(p.ths, batch, p.verifier, p.params, func(ext *txhashset.Extension) error {
		if len(plan.disconnect) > 0 {
			if err := ext.Rewind(plan.disconnect, plan.ancestor); err != nil {
				return err
			}
			if err := p.rewindHeadersLocked(plan.ancestor.Height); err != nil {
				return err
			}
		}
		for _, cb := range plan.connect {
			if err := p.appendHeaderLocked(cb.Header); err != nil {
				return err
			}
			if err := ext.ApplyBlock(cb); err != nil {
				return err
			}
			overage := p.params.Overage(cb.Header.Height)
			if err := ext.ValidateFull(cb, overage); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = batch.Rollback()
		return Result{}, err
	}
	if err := batch.Commit(); err != nil {
		return Result{}, err
	}

	outcome := OutcomeNext
	if len(plan.disconnect) > 0 {
		outcome = OutcomeReorg
		reorgDepth.Observe(float64(len(plan.disconnect)))
	}
	blocksProcessed.WithLabelValues(outcome.String()).Inc()

	return Result{
		Outcome:      outcome,
		Height:       blk.Header.Height,
		Hash:         hh,
		Disconnected: plan.disconnect,
		Connected:    plan.connect,
	}, nil
}

// isKnown rejects a block already known not to be an improvement: already
// head, or already stored with no better difficulty than the head (§4.5
// step 2).
func (p *Pipeline) isKnown(batch *chainstore.Batch, blk *core.Block) error {
	hh := blk.Header.Hash()

	headHash, hasHead, err := batch.Head()
	if err != nil {
		return errors.New(errors.ERR_STORE, "read head", err)
	}
	if hasHead && headHash == hh {
		return errors.New(errors.ERR_DUPLICATE_BLOCK, "block %s is already the chain head", hh)
	}

	if _, found, err := batch.GetHeader(hh); err != nil {
		return errors.New(errors.ERR_STORE, "read header", err)
	} else if found {
		headHeader, hok, err := p.headOfBatch(batch)
		if err != nil {
			return err
		}
		if hok && blk.Header.TotalDifficulty <= headHeader.TotalDifficulty {
			return errors.New(errors.ERR_DUPLICATE_BLOCK, "block %s already known and not heavier than head", hh)
		}
	}
	return nil
}

// checkOrphan defers blk into the orphan pool when its parent isn't the
// current tip and isn't stored either (§4.5 step 3).
func (p *Pipeline) checkOrphan(batch *chainstore.Batch, blk *core.Block) error {
	if blk.Header.Height == 0 {
		return nil
	}

	headHash, hasHead, err := batch.Head()
	if err != nil {
		return errors.New(errors.ERR_STORE, "read head", err)
	}
	if hasHead && blk.Header.Previous == headHash {
		return nil
	}

	if _, found, err := batch.GetBlock(blk.Header.Previous, p.wireVer); err != nil {
		return errors.New(errors.ERR_STORE, "read parent block", err)
	} else if !found {
		p.orphans.Insert(blk)
		orphansHeld.Set(float64(p.orphans.Len()))
		return errors.New(errors.ERR_ORPHAN, "parent block %s unknown, block %s orphaned", blk.Header.Previous, blk.Header.Hash())
	}
	return nil
}

func (p *Pipeline) headOfBatch(batch *chainstore.Batch) (*core.BlockHeader, bool, error) {
	hh, ok, err := batch.Head()
	if err != nil || !ok {
		return nil, false, err
	}
	h, found, err := batch.GetHeader(hh)
	if err != nil {
		return nil, false, errors.New(errors.ERR_STORE, "read head header", err)
	}
	return h, found, nil
}

func (p *Pipeline) headerHeadDifficulty(batch *chainstore.Batch) uint64 {
	hh, ok, err := batch.HeaderHead()
	if err != nil || !ok {
		return 0
	}
	h, found, err := batch.GetHeader(hh)
	if err != nil || !found {
		return 0
	}
	return h.TotalDifficulty
}

// forkPlan is the result of walking both chains back to their common
// ancestor: disconnect/connect are both in ascending-height order (oldest
// affected block first), matching what Extension.Rewind and the connect
// loop each expect.
type forkPlan struct {
	ancestor   *core.BlockHeader
	disconnect []*core.Block
	connect    []*core.Block
}

// ancestorPath walks backwards from (tipHash, tipBlock) to genesis,
// returning every block and hash along the way, tip first.
func (p *Pipeline) ancestorPath(batch *chainstore.Batch, tipHash hash.Hash, tipBlock *core.Block) ([]*core.Block, []hash.Hash, error) {
	var blocks []*core.Block
	var hashes []hash.Hash

	curHash, curBlk := tipHash, tipBlock
	for {
		blocks = append(blocks, curBlk)
		hashes = append(hashes, curHash)
		if curBlk.Header.Height == 0 {
			return blocks, hashes, nil
		}

		prevHash := curBlk.Header.Previous
		prevBlk, found, err := batch.GetBlock(prevHash, p.wireVer)
		if err != nil {
			return nil, nil, errors.New(errors.ERR_STORE, "walk ancestor chain", err)
		}
		if !found {
			return nil, nil, errors.New(errors.ERR_STORE, "missing ancestor block %s", prevHash)
		}
		curHash, curBlk = prevHash, prevBlk
	}
}

func reverseBlocks(b []*core.Block) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// planFork locates the common ancestor of blk's branch and the current
// best chain by walking both back to genesis, per §4.5 step 4.
func (p *Pipeline) planFork(batch *chainstore.Batch, blk *core.Block) (*forkPlan, error) {
	headHash, hasHead, err := batch.Head()
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "read head", err)
	}
	if !hasHead {
		return &forkPlan{connect: []*core.Block{blk}}, nil
	}

	headBlk, found, err := batch.GetBlock(headHash, p.wireVer)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "read head block", err)
	}
	if !found {
		return nil, errors.New(errors.ERR_STORE, "head block %s missing from store", headHash)
	}

	newPath, newHashes, err := p.ancestorPath(batch, blk.Header.Hash(), blk)
	if err != nil {
		return nil, err
	}
	oldPath, oldHashes, err := p.ancestorPath(batch, headHash, headBlk)
	if err != nil {
		return nil, err
	}

	oldIndex := make(map[hash.Hash]int, len(oldHashes))
	for i, h := range oldHashes {
		oldIndex[h] = i
	}

	iNew, iOld := -1, -1
	for i, h := range newHashes {
		if j, ok := oldIndex[h]; ok {
			iNew, iOld = i, j
			break
		}
	}
	if iNew < 0 {
		return nil, errors.New(errors.ERR_BAD_DATA, "block %s shares no common ancestor with the current chain", blk.Header.Hash())
	}

	connect := append([]*core.Block{}, newPath[:iNew]...)
	reverseBlocks(connect)
	disconnect := append([]*core.Block{}, oldPath[:iOld]...)
	reverseBlocks(disconnect)

	return &forkPlan{ancestor: newPath[iNew].Header, disconnect: disconnect, connect: connect}, nil
}

// appendHeaderLocked checks h.PrevRoot against the header mmr's current
// root (the previous header's implied root, since the backend is always
// positioned at the previous header once rewindHeadersLocked has run for
// this call) then appends h as the next leaf. Caller holds p.mu.
func (p *Pipeline) appendHeaderLocked(h *core.BlockHeader) error {
	if h.Height > 0 {
		root, err := mmr.New(p.headerBackend).Root()
		if err != nil {
			return errors.New(errors.ERR_STORE, "compute header mmr root", err)
		}
		if h.PrevRoot != root {
			return errors.New(errors.ERR_INVALID_ROOT, "header prev_root mismatch at height %d", h.Height)
		}
	}

	buf, err := encodeHeaderBytes(h)
	if err != nil {
		return err
	}
	if _, err := p.headerBackend.Append(hash.Leaf(buf), buf); err != nil {
		return errors.New(errors.ERR_STORE, "append header leaf at height %d", h.Height, err)
	}
	return nil
}

// HeaderAt returns the best chain's header at height, reading it back from
// the header mmr that appendHeaderLocked/rewindHeadersLocked keep in
// lock-step with the body chain. A peer-facing adapter uses this both to
// build a locator and to walk forward from the common ancestor it finds.
func (p *Pipeline) HeaderAt(height uint64) (*core.BlockHeader, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok, err := p.headerBackend.GetData(mmr.InsertionToPMMRIndex(height))
	if err != nil || !ok {
		return nil, ok, err
	}
	h, err := core.DecodeHeader(bytes.NewReader(data))
	if err != nil {
		return nil, false, errors.New(errors.ERR_STORE, "decode header mmr leaf at height %d", height, err)
	}
	return h, true, nil
}

// rewindHeadersLocked truncates the header mmr back to the size it had
// once toHeight's header was its last leaf. Caller holds p.mu.
func (p *Pipeline) rewindHeadersLocked(toHeight uint64) error {
	if err := p.headerBackend.Rewind(headerMMRSize(toHeight), nil); err != nil {
		return errors.New(errors.ERR_STORE, "rewind header mmr to height %d", toHeight, err)
	}
	return nil
}

// drainOrphans re-submits every orphan waiting on height, letting
// ProcessBlock's own recursion handle any further chain this unblocks
// (§4.5 step 6 "check_orphans(height+1)").
func (p *Pipeline) drainOrphans(height uint64) {
	orphans := p.orphans.RemoveByHeight(height)
	if len(orphans) > 0 {
		orphansHeld.Set(float64(p.orphans.Len()))
	}
	for _, orphan := range orphans {
		if _, err := p.ProcessBlock(orphan, OptSync); err != nil {
			p.logger.Warnf("drained orphan at height %d rejected: %v", height, err)
		}
	}
}
