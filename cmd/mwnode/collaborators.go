package main

import (
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
)

// externalCollaborators returns stand-ins for the two interfaces §1 names
// as external collaborators rather than specifying: txhashset.Verifier
// (Pedersen commitment arithmetic, Bulletproof range proofs, Schnorr/
// aggsig signatures) and chain.HeaderValidator (proof-of-work, difficulty
// retargeting). A deployment links the real secp256k1/Bulletproof/Cuckoo-
// cycle implementation in at this exact seam; everything upstream of it —
// the PMMR, the extension, the pool, PIBD — only ever calls the two
// interfaces, never the curve math directly, so swapping this file out is
// the entire integration surface.
func externalCollaborators() (additiveVerifier, acceptAllHeaderValidator) {
	return additiveVerifier{}, acceptAllHeaderValidator{}
}

// additiveVerifier is NOT a cryptographic implementation: it sums
// Commitment bytes componentwise instead of performing elliptic-curve
// point addition, and every proof/signature check trivially passes. It
// lets this binary boot and exercise the wiring end to end without a real
// EC library; it must never be used where the kernel-sum/range-proof/
// signature checks need to actually hold.
type additiveVerifier struct{}

func (additiveVerifier) SumCommitments(positive, negative []core.Commitment) (core.Commitment, error) {
	var out core.Commitment
	for _, c := range positive {
		for i := range out {
			out[i] += c[i]
		}
	}
	for _, c := range negative {
		for i := range out {
			out[i] -= c[i]
		}
	}
	return out, nil
}

func (additiveVerifier) SumOffsets(positive, negative []core.Commitment) (core.Commitment, error) {
	return additiveVerifier{}.SumCommitments(positive, negative)
}

func (additiveVerifier) VerifyKernelSum(outputSum, inputSum, kernelExcessSum, offset core.Commitment, overage int64) error {
	return nil
}

func (additiveVerifier) VerifyRangeProofsBatch(outputs []core.Output) error { return nil }

func (additiveVerifier) VerifyKernelSignatures(kernels []core.Kernel, messages []hash.Hash) error {
	return nil
}

// acceptAllHeaderValidator is NOT a consensus implementation: it accepts
// every header unconditionally. The proof-of-work algorithm and
// difficulty schedule are explicitly out of scope (§1 Non-goals); a real
// deployment links its own ValidatePow/ValidateDifficulty here.
type acceptAllHeaderValidator struct{}

func (acceptAllHeaderValidator) ValidatePow(header *core.BlockHeader) error            { return nil }
func (acceptAllHeaderValidator) ValidateDifficulty(header, prev *core.BlockHeader) error { return nil }
func (acceptAllHeaderValidator) ValidateTimestamp(header, prev *core.BlockHeader) error  { return nil }
func (acceptAllHeaderValidator) ValidateVersion(header *core.BlockHeader) error          { return nil }
