package core

import (
	"sort"

	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
)

// BlockHeader carries everything the header-MMR commits to and everything
// an Extension needs to validate an applied block's roots (§3).
type BlockHeader struct {
	Version   uint16
	Height    uint64
	Previous  hash.Hash
	PrevRoot  hash.Hash // previous header's MMR root

	// Committed roots — the three committed MMRs plus the bitmap
	// accumulator folded into OutputRoot per I4.
	OutputRoot     hash.Hash
	RangeProofRoot hash.Hash
	KernelRoot     hash.Hash

	OutputMMRSize uint64
	KernelMMRSize uint64

	TotalDifficulty   uint64
	TotalKernelOffset Commitment // blinding-factor offset, serialized as a scalar-sized commitment slot
	Timestamp         int64

	// Pow carries the proof-of-work vector (edge bits/cycle nonces in the
	// original Cuckoo-cycle scheme) as an opaque slot; only structural
	// validation applies here, the algorithm itself is out of scope (§1,
	// SPEC_FULL §D.2).
	Pow []uint64
}

// Hash computes the header's own identity hash — the value other headers
// reference as Previous. Declared over every consensus-relevant field.
func (h *BlockHeader) Hash() hash.Hash {
	buf := make([]byte, 0, 256)
	buf = appendUint64(buf, uint64(h.Version))
	buf = appendUint64(buf, h.Height)
	buf = append(buf, h.Previous[:]...)
	buf = append(buf, h.PrevRoot[:]...)
	buf = append(buf, h.OutputRoot[:]...)
	buf = append(buf, h.RangeProofRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	buf = appendUint64(buf, h.OutputMMRSize)
	buf = appendUint64(buf, h.KernelMMRSize)
	buf = appendUint64(buf, h.TotalDifficulty)
	buf = append(buf, h.TotalKernelOffset[:]...)
	buf = appendUint64(buf, uint64(h.Timestamp))
	for _, p := range h.Pow {
		buf = appendUint64(buf, p)
	}
	return hash.Leaf(buf)
}

// TxBody is the body of a transaction or block: sorted, cut-through-applied
// inputs/outputs/kernels (§3, I8).
type TxBody struct {
	Inputs  []Input
	Outputs []Output
	Kernels []Kernel
}

// Block is a header plus body plus the kernel offset split (§3).
type Block struct {
	Header *BlockHeader
	Body   TxBody
	Offset Commitment // this block's share of the blinding-factor split
}

// sortInputs/sortOutputs/sortKernels establish the canonical commitment
// order admission and validation require (§4.7 step 1 "sorted+unique").

func sortInputs(in []Input) {
	sort.Slice(in, func(i, j int) bool {
		return lessCommitment(in[i].Commit, in[j].Commit)
	})
}

func sortOutputs(out []Output) {
	sort.Slice(out, func(i, j int) bool {
		return lessCommitment(out[i].Commit, out[j].Commit)
	})
}

func sortKernels(k []Kernel) {
	sort.Slice(k, func(i, j int) bool {
		return lessCommitment(k[i].Excess, k[j].Excess)
	})
}

func lessCommitment(a, b Commitment) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Sort canonicalizes the body's three slices by commitment, matching the
// wire-encoding convention the original always normalizes to.
func (b *TxBody) Sort() {
	sortInputs(b.Inputs)
	sortOutputs(b.Outputs)
	sortKernels(b.Kernels)
}

// ValidateSorted rejects a body whose slices are not in canonical,
// duplicate-free commitment order (§4.7 step 1).
func (b *TxBody) ValidateSorted() error {
	for i := 1; i < len(b.Inputs); i++ {
		if !lessCommitment(b.Inputs[i-1].Commit, b.Inputs[i].Commit) {
			return errors.New(errors.ERR_UNSORTED, "inputs not sorted or contain duplicate commitments")
		}
	}
	for i := 1; i < len(b.Outputs); i++ {
		if !lessCommitment(b.Outputs[i-1].Commit, b.Outputs[i].Commit) {
			return errors.New(errors.ERR_UNSORTED, "outputs not sorted or contain duplicate commitments")
		}
	}
	for i := 1; i < len(b.Kernels); i++ {
		if !lessCommitment(b.Kernels[i-1].Excess, b.Kernels[i].Excess) {
			return errors.New(errors.ERR_UNSORTED, "kernels not sorted or contain duplicate excesses")
		}
	}
	return nil
}

// ValidateNoCutThrough rejects a body where an output commitment is also
// spent as an input within the same body — cut-through must already have
// been applied before the body reaches here (§3 I8, §4.7 step 1).
func (b *TxBody) ValidateNoCutThrough() error {
	outputs := make(map[Commitment]struct{}, len(b.Outputs))
	for _, o := range b.Outputs {
		outputs[o.Commit] = struct{}{}
	}
	for _, in := range b.Inputs {
		if _, ok := outputs[in.Commit]; ok {
			return errors.New(errors.ERR_CUT_THROUGH, "input %s spends an output created in the same body", in.Commit)
		}
	}
	return nil
}

// ValidateNoNRDDuplicates rejects a body containing two NRD kernels with
// the same excess (§4.7 step 1 "no NRD duplicates within the tx").
func (b *TxBody) ValidateNoNRDDuplicates() error {
	seen := make(map[Commitment]struct{})
	for _, k := range b.Kernels {
		if k.Features.Type != KernelNoRecentDuplicate {
			continue
		}
		if _, ok := seen[k.Excess]; ok {
			return errors.New(errors.ERR_BAD_DATA, "duplicate NRD kernel excess %s within body", k.Excess)
		}
		seen[k.Excess] = struct{}{}
	}
	return nil
}

// Weight implements SPEC_FULL §D.1: a weighted count of inputs, outputs
// and kernels bounding both pool admission and block validation. Weights
// mirror the original's input=1, output=21, kernel=3 ratios (roughly the
// relative serialized-size cost of each element).
const (
	InputWeight  = 1
	OutputWeight = 21
	KernelWeight = 3
)

func (b *TxBody) Weight() uint64 {
	return uint64(len(b.Inputs))*InputWeight +
		uint64(len(b.Outputs))*OutputWeight +
		uint64(len(b.Kernels))*KernelWeight
}

// ValidateWeight enforces SPEC_FULL §D.1's MaxBlockWeight bound, shared by
// the pool admission pipeline and the extension's structural check.
func (b *TxBody) ValidateWeight(maxWeight uint64) error {
	if w := b.Weight(); w > maxWeight {
		return errors.New(errors.ERR_WEIGHT_EXCEEDED, "body weight %d exceeds max %d", w, maxWeight)
	}
	return nil
}

// Validate runs every tx/block-body-local structural check from §4.7 step
// 1 that does not require chain context.
func (b *TxBody) Validate(maxWeight uint64) error {
	if err := b.ValidateWeight(maxWeight); err != nil {
		return err
	}
	if err := b.ValidateSorted(); err != nil {
		return err
	}
	if err := b.ValidateNoCutThrough(); err != nil {
		return err
	}
	if err := b.ValidateNoNRDDuplicates(); err != nil {
		return err
	}
	for _, k := range b.Kernels {
		if err := k.Features.Validate(); err != nil {
			return err
		}
	}
	return nil
}
