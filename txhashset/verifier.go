package txhashset

import (
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
)

// Verifier is the crypto collaborator named but not specified by §1: it
// guarantees Pedersen-commitment arithmetic, Bulletproof batch
// verification and Schnorr/aggsig signature verification without this
// package knowing how any of them compute. Extension.ValidateKernelSum and
// Extension.ValidateFull call it to enforce kernel-sum and cryptographic
// validity; everything else in this
// package only compares, sums and hashes opaque Commitment/RangeProof/
// signature bytes.
type Verifier interface {
	// SumCommitments returns the Pedersen sum of positive minus negative
	// commitments (v1 + v2 + ... - vn - ...).
	SumCommitments(positive, negative []core.Commitment) (core.Commitment, error)

	// VerifyKernelSum checks that outputSum - inputSum - overage -
	// offset*G equals the sum of kernel excesses (§4.4 "Kernel-sum
	// validation").
	VerifyKernelSum(outputSum, inputSum, kernelExcessSum, offset core.Commitment, overage int64) error

	// VerifyRangeProofsBatch batch-verifies that every (commit, proof)
	// pair is a valid bounded-value proof.
	VerifyRangeProofsBatch(outputs []core.Output) error

	// VerifyKernelSignatures batch-verifies that every kernel's signature
	// is valid under its excess commitment and signed message.
	VerifyKernelSignatures(kernels []core.Kernel, messages []hash.Hash) error

	// SumOffsets adds blinding-factor offsets (mod the curve's group
	// order), the scalar arithmetic the pool's aggregate/deaggregate
	// (§4.7 "sums kernel offsets") needs distinct from SumCommitments'
	// point arithmetic.
	SumOffsets(positive, negative []core.Commitment) (core.Commitment, error)
}
