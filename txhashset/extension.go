package txhashset

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
)

// Extension is the transactional mutator of C6: it applies or rewinds a
// block atomically across the three committed MMRs, the bitmap
// accumulator and a chainstore batch (§4.4).
type Extension struct {
	ths      *TxHashSet
	batch    *chainstore.Batch
	verifier Verifier
	params   *chaincfg.Params

	rollback bool
	affected []uint64 // output insertion indices touched this extension
}

// Batch exposes the nested chainstore batch this extension shares with
// its caller (used by the block pipeline to also record header-chain
// metadata inside the same commit).
func (e *Extension) Batch() *chainstore.Batch { return e.batch }

// TxHashSet exposes the bundle this extension is mutating, for readonly
// queries (root validation, UTXO resolution) during apply.
func (e *Extension) TxHashSet() *TxHashSet { return e.ths }

// RequestRollback marks this extension for discard even if f returns nil,
// matching extending_readonly's "always rolls back" behavior and letting
// a caller opt into the same behavior inside a writable extending call.
func (e *Extension) RequestRollback() { e.rollback = true }

// Extending opens an extension pair sharing a single nested batch over
// parentBatch; runs f; on success (f returns nil and did not request
// rollback) syncs all MMR backends implicitly (the file-backed MMR
// backend writes are already durable per-call) and commits the nested
// batch; otherwise discards all MMR writes by rewinding to the pre-call
// sizes and drops the batch (§4.4).
func Extending(ths *TxHashSet, parentBatch *chainstore.Batch, verifier Verifier, params *chaincfg.Params, f func(*Extension) error) error {
	pre := ths.Sizes()

	ext := &Extension{
		ths:      ths,
		batch:    parentBatch.NewBatch(),
		verifier: verifier,
		params:   params,
	}

	err := f(ext)

	if err != nil || ext.rollback {
		ext.discardTo(pre)
		_ = ext.batch.Rollback()
		return err
	}

	return ext.batch.Commit()
}

// ExtendingReadonly is identical to Extending but always rolls back,
// regardless of f's outcome — used for validation and PIBD snapshot
// construction that must never mutate committed state (§4.4).
func ExtendingReadonly(ths *TxHashSet, parentBatch *chainstore.Batch, verifier Verifier, params *chaincfg.Params, f func(*Extension) error) error {
	pre := ths.Sizes()

	ext := &Extension{
		ths:      ths,
		batch:    parentBatch.NewBatch(),
		verifier: verifier,
		params:   params,
	}

	err := f(ext)
	ext.discardTo(pre)
	_ = ext.batch.Rollback()
	return err
}

func (e *Extension) discardTo(sizes Sizes) {
	if e.ths.Output.Size() > sizes.OutputSize {
		_ = e.ths.Output.Rewind(sizes.OutputSize, nil)
	}
	if e.ths.RangeProof.Size() > sizes.RangeProofSize {
		_ = e.ths.RangeProof.Rewind(sizes.RangeProofSize, nil)
	}
	if e.ths.Kernel.Size() > sizes.KernelSize {
		_ = e.ths.Kernel.Rewind(sizes.KernelSize, nil)
	}
}

// ApplyBlock runs the apply-block algorithm of §4.4 against blk, assuming
// blk directly extends the header this extension is currently positioned
// at (callers are responsible for rewinding to the fork point first).
func (e *Extension) ApplyBlock(blk *core.Block) error {
	height := blk.Header.Height

	for _, out := range blk.Body.Outputs {
		if _, live := e.ths.ResolveOutputPos(out.Commit); live {
			return errors.New(errors.ERR_DUPLICATE_COMMITMENT, "output commitment %s already live", out.Commit)
		}

		oid := out.Identifier()
		pos, err := e.ths.Output.Append(hash.Leaf(oid.Bytes()), oid.Bytes())
		if err != nil {
			return errors.New(errors.ERR_STORE, "append output leaf", err)
		}
		rpPos, err := e.ths.RangeProof.Append(hash.Leaf(out.Proof.Bytes), out.Proof.Bytes)
		if err != nil {
			return errors.New(errors.ERR_STORE, "append rangeproof leaf", err)
		}
		if pos != rpPos {
			return errors.New(errors.ERR_BAD_DATA, "output/rangeproof mmr positions diverged: %d vs %d", pos, rpPos)
		}

		leafIdx := mmr.LeafCount(pos - 1)
		e.ths.setOutputPos(out.Commit, CommitPos{Pos: pos, Height: height})
		if err := e.batch.SetOutputPos(out.Commit, chainstore.OutputPos{Pos: pos, Height: height}); err != nil {
			return errors.New(errors.ERR_STORE, "persist output_pos", err)
		}
		e.ths.Bitmap.Set(leafIdx, true)
		e.affected = append(e.affected, leafIdx)
	}

	var spent []chainstore.SpentEntry
	for _, in := range blk.Body.Inputs {
		cp, ok := e.ths.ResolveOutputPos(in.Commit)
		if !ok {
			return errors.New(errors.ERR_ALREADY_SPENT, "input %s does not resolve to a live output", in.Commit)
		}

		if err := e.checkMaturity(in.Commit, cp, height); err != nil {
			return err
		}

		if err := e.ths.Output.Prune(cp.Pos); err != nil {
			return errors.New(errors.ERR_ALREADY_SPENT, "prune output leaf %d", cp.Pos, err)
		}
		if err := e.ths.RangeProof.Prune(cp.Pos); err != nil {
			return errors.New(errors.ERR_ALREADY_SPENT, "prune rangeproof leaf %d", cp.Pos, err)
		}

		e.ths.deleteOutputPos(in.Commit)
		if err := e.batch.DeleteOutputPos(in.Commit); err != nil {
			return errors.New(errors.ERR_STORE, "delete output_pos", err)
		}

		leafIdx := mmr.LeafCount(cp.Pos - 1)
		e.ths.Bitmap.Set(leafIdx, false)
		e.affected = append(e.affected, leafIdx)
		spent = append(spent, chainstore.SpentEntry{Pos: cp.Pos, Height: cp.Height})
	}

	blockHash := blk.Header.Hash()
	if err := e.batch.PutSpentIndex(blockHash, spent); err != nil {
		return errors.New(errors.ERR_STORE, "persist spent_index", err)
	}

	for _, k := range blk.Body.Kernels {
		if _, err := e.ths.Kernel.Append(hash.Leaf(k.HashBytes()), k.HashBytes()); err != nil {
			return errors.New(errors.ERR_STORE, "append kernel leaf", err)
		}

		if k.Features.Type == core.KernelNoRecentDuplicate {
			if err := e.checkAndPushNRD(k, height); err != nil {
				return err
			}
		}
	}

	if err := e.ths.Bitmap.Apply(e.affected); err != nil {
		return errors.New(errors.ERR_STORE, "apply bitmap accumulator", err)
	}
	e.affected = nil

	if err := e.batch.SetHead(blockHash); err != nil {
		return errors.New(errors.ERR_STORE, "advance head", err)
	}

	return nil
}

// checkMaturity enforces §4.7 step 3's coinbase maturity rule against an
// input being spent at height: it reads back the spent output's stored
// identifier to recover the Features a bare core.Input never carries, and
// errors if commit names a coinbase output that has not yet accumulated
// params.CoinbaseMaturity confirmations since cp.Height. utxo.View exposes
// this same check (CheckMature) to callers outside this package that
// already hold a Resolved from ResolveInput; this copy exists because
// Extension cannot import utxo without a cycle (utxo wraps TxHashSet).
func (e *Extension) checkMaturity(commit core.Commitment, cp CommitPos, spendHeight uint64) error {
	data, ok, err := e.ths.Output.GetData(cp.Pos)
	if err != nil {
		return errors.New(errors.ERR_STORE, "read output leaf %d", cp.Pos, err)
	}
	if !ok {
		return errors.New(errors.ERR_STORE, "output leaf %d pruned before maturity check", cp.Pos)
	}
	oid, err := core.OutputIdentifierFromBytes(data)
	if err != nil {
		return errors.New(errors.ERR_BAD_DATA, "decode output identifier at %d", cp.Pos, err)
	}
	if oid.Features != core.OutputCoinbase {
		return nil
	}
	if spendHeight < cp.Height+e.params.CoinbaseMaturity {
		return errors.New(errors.ERR_IMMATURE_COINBASE,
			"coinbase output %s created at height %d is not mature at height %d (requires %d confirmations)",
			commit, cp.Height, spendHeight, e.params.CoinbaseMaturity)
	}
	return nil
}

func (e *Extension) checkAndPushNRD(k core.Kernel, height uint64) error {
	prior, found, err := e.batch.PeekNRD(k.Excess)
	if err != nil {
		return errors.New(errors.ERR_STORE, "read nrd index", err)
	}
	if found {
		minHeight := prior.Height + uint64(k.Features.RelativeHeight)
		if height < minHeight {
			return errors.New(errors.ERR_INVALID_NRD_RELATIVE_HEIGHT,
				"NRD kernel excess %s replayed at height %d, must wait until %d", k.Excess, height, minHeight)
		}
	}
	return e.batch.PushNRD(k.Excess, chainstore.OutputPos{Pos: 0, Height: height})
}

// ApplyKernels appends only the kernel-MMR leaves of kernels (used by
// PIBD segment application and by any caller re-deriving kernel history
// without a full output/input set), per C6's "apply_kernels".
func (e *Extension) ApplyKernels(kernels []core.Kernel) error {
	for _, k := range kernels {
		if _, err := e.ths.Kernel.Append(hash.Leaf(k.HashBytes()), k.HashBytes()); err != nil {
			return errors.New(errors.ERR_STORE, "append kernel leaf", err)
		}
	}
	return nil
}

// ValidateRoots checks the extension's current roots against header
// (§4.4 "Root validation").
func (e *Extension) ValidateRoots(header *core.BlockHeader) error {
	roots, err := e.ths.Roots()
	if err != nil {
		return err
	}
	if roots.OutputRoot != header.OutputRoot {
		return errors.New(errors.ERR_INVALID_ROOT, "output root mismatch at height %d", header.Height)
	}
	if roots.RangeProofRoot != header.RangeProofRoot {
		return errors.New(errors.ERR_INVALID_ROOT, "rangeproof root mismatch at height %d", header.Height)
	}
	if roots.KernelRoot != header.KernelRoot {
		return errors.New(errors.ERR_INVALID_ROOT, "kernel root mismatch at height %d", header.Height)
	}
	return nil
}

// ValidateKernelSum performs §4.4's kernel-sum validation via the crypto
// collaborator: sum(outputs) - sum(inputs) - overage - offset*G must
// equal sum(kernel excesses).
func (e *Extension) ValidateKernelSum(blk *core.Block, overage int64) error {
	outputCommits := make([]core.Commitment, len(blk.Body.Outputs))
	for i, o := range blk.Body.Outputs {
		outputCommits[i] = o.Commit
	}
	inputCommits := make([]core.Commitment, len(blk.Body.Inputs))
	for i, in := range blk.Body.Inputs {
		inputCommits[i] = in.Commit
	}
	kernelExcesses := make([]core.Commitment, len(blk.Body.Kernels))
	for i, k := range blk.Body.Kernels {
		kernelExcesses[i] = k.Excess
	}

	outputSum, err := e.verifier.SumCommitments(outputCommits, nil)
	if err != nil {
		return errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "sum outputs", err)
	}
	inputSum, err := e.verifier.SumCommitments(inputCommits, nil)
	if err != nil {
		return errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "sum inputs", err)
	}
	kernelSum, err := e.verifier.SumCommitments(kernelExcesses, nil)
	if err != nil {
		return errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "sum kernel excesses", err)
	}

	if err := e.verifier.VerifyKernelSum(outputSum, inputSum, kernelSum, blk.Offset, overage); err != nil {
		return errors.New(errors.ERR_KERNEL_SUM_MISMATCH, "kernel sum mismatch at height %d", blk.Header.Height, err)
	}
	return nil
}

// ValidateFull runs ValidateRoots and ValidateKernelSum, then additionally
// batch-verifies range proofs and kernel signatures.
func (e *Extension) ValidateFull(blk *core.Block, overage int64) error {
	if err := e.ValidateRoots(blk.Header); err != nil {
		return err
	}
	if err := e.ValidateKernelSum(blk, overage); err != nil {
		return err
	}
	if err := e.verifier.VerifyRangeProofsBatch(blk.Body.Outputs); err != nil {
		return errors.New(errors.ERR_INVALID_RANGEPROOF, "range proof batch verification failed", err)
	}
	messages := make([]hash.Hash, len(blk.Body.Kernels))
	for i, k := range blk.Body.Kernels {
		messages[i] = k.Features.SignedMessage()
	}
	if err := e.verifier.VerifyKernelSignatures(blk.Body.Kernels, messages); err != nil {
		return errors.New(errors.ERR_INVALID_SIGNATURE, "kernel signature batch verification failed", err)
	}
	return nil
}

// Rewind implements §4.4's rewind-to-header: if the target height is at
// or beyond the current extension's position this is a size-truncation
// no-op; otherwise it walks backwards block by block, retrieving each
// block's spent_index, rewinding the MMRs to the previous header's
// declared sizes while re-marking the spent positions live, removing the
// block's output_pos entries and popping NRD stack entries, and applying
// the accumulated affected set to the bitmap accumulator once at the end.
func (e *Extension) Rewind(blocksToUndo []*core.Block, targetHeader *core.BlockHeader) error {
	if len(blocksToUndo) == 0 {
		_ = e.ths.Output.Rewind(targetHeader.OutputMMRSize, nil)
		_ = e.ths.RangeProof.Rewind(targetHeader.OutputMMRSize, nil)
		_ = e.ths.Kernel.Rewind(targetHeader.KernelMMRSize, nil)
		return nil
	}

	var affected []uint64

	for i := len(blocksToUndo) - 1; i >= 0; i-- {
		blk := blocksToUndo[i]
		blockHash := blk.Header.Hash()

		spent, _, err := e.batch.GetSpentIndex(blockHash)
		if err != nil {
			return errors.New(errors.ERR_STORE, "read spent_index for rewind", err)
		}

		prevOutputSize := mmr.InsertionToPMMRIndex(mmr.LeafCount(blk.Header.OutputMMRSize)-uint64(len(blk.Body.Outputs))) - 1
		prevKernelSize := mmr.InsertionToPMMRIndex(mmr.LeafCount(blk.Header.KernelMMRSize)-uint64(len(blk.Body.Kernels))) - 1

		// Spent positions from this block must be reinstated as live leaves
		// once the MMR is truncated back before them.
		spentLeaves := roaring.New()
		for _, entry := range spent {
			spentLeaves.Add(uint32(mmr.LeafCount(entry.Pos - 1)))
		}

		if err := e.ths.Output.Rewind(prevOutputSize, spentLeaves); err != nil {
			return errors.New(errors.ERR_STORE, "rewind output mmr", err)
		}
		if err := e.ths.RangeProof.Rewind(prevOutputSize, spentLeaves); err != nil {
			return errors.New(errors.ERR_STORE, "rewind rangeproof mmr", err)
		}
		if err := e.ths.Kernel.Rewind(prevKernelSize, nil); err != nil {
			return errors.New(errors.ERR_STORE, "rewind kernel mmr", err)
		}

		// Outputs created by this block no longer exist past the rewind
		// point: clear their bitmap bit and drop their position index entry.
		// They were appended as consecutive leaves starting right after the
		// previous block's leaf count.
		leafIdxStart := mmr.LeafCount(prevOutputSize)
		for j, out := range blk.Body.Outputs {
			leafIdx := leafIdxStart + uint64(j)
			e.ths.Bitmap.Set(leafIdx, false)
			affected = append(affected, leafIdx)
			e.ths.deleteOutputPos(out.Commit)
			_ = e.batch.DeleteOutputPos(out.Commit)
		}

		// Inputs spent by this block become unspent again: their leaf
		// predates this block so it was never truncated, only pruned; read
		// the identifier back to recover the commitment and restore its
		// position index entry.
		for _, entry := range spent {
			leafIdx := mmr.LeafCount(entry.Pos - 1)
			e.ths.Bitmap.Set(leafIdx, true)
			affected = append(affected, leafIdx)

			data, ok, err := e.ths.Output.GetData(entry.Pos)
			if err != nil {
				return errors.New(errors.ERR_STORE, "read reinstated output %d during rewind", entry.Pos, err)
			}
			if !ok {
				continue
			}
			oid, err := core.OutputIdentifierFromBytes(data)
			if err != nil {
				return errors.New(errors.ERR_STORE, "decode reinstated output %d during rewind", entry.Pos, err)
			}
			cp := CommitPos{Pos: entry.Pos, Height: entry.Height}
			e.ths.setOutputPos(oid.Commit, cp)
			if err := e.batch.SetOutputPos(oid.Commit, chainstore.OutputPos{Pos: entry.Pos, Height: entry.Height}); err != nil {
				return errors.New(errors.ERR_STORE, "restore output_pos during rewind", err)
			}
		}

		for _, k := range blk.Body.Kernels {
			if k.Features.Type == core.KernelNoRecentDuplicate {
				if _, _, err := e.batch.PopNRD(k.Excess); err != nil {
					return errors.New(errors.ERR_STORE, "pop nrd index", err)
				}
			}
		}

		_ = e.batch.DeleteSpentIndex(blockHash)
	}

	if err := e.ths.Bitmap.Apply(affected); err != nil {
		return errors.New(errors.ERR_STORE, "reapply bitmap accumulator during rewind", err)
	}

	return nil
}
