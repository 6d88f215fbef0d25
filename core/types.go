// Package core defines the data model of §3: commitments, output
// identifiers, range proofs, kernels, headers, blocks and their wire
// serialization. The cryptographic primitives themselves (Pedersen
// commitments, Bulletproofs, Schnorr/aggsig) are external collaborators
// per §1; this package only carries their opaque encodings and the
// structural rules that reference them.
package core

import (
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
)

// CommitmentSize is the serialized width of a Pedersen commitment.
const CommitmentSize = 33

// Commitment is an opaque Pedersen commitment v*H + r*G. The core never
// inspects its contents; it only compares, sums (via the crypto
// collaborator) and serializes them.
type Commitment [CommitmentSize]byte

func (c Commitment) Bytes() []byte {
	b := make([]byte, CommitmentSize)
	copy(b, c[:])
	return b
}

func (c Commitment) String() string {
	return hash.Hash(hash.Leaf(c[:])).String()[:16]
}

// CommitmentFromBytes parses a serialized commitment.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != CommitmentSize {
		return c, errors.New(errors.ERR_BAD_DATA, "commitment must be %d bytes, got %d", CommitmentSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// OutputFeatures tags an output identifier as plain or coinbase, the way
// §3 restricts output identifiers to {Plain, Coinbase}.
type OutputFeatures uint8

const (
	OutputPlain OutputFeatures = iota
	OutputCoinbase
)

func (f OutputFeatures) String() string {
	switch f {
	case OutputPlain:
		return "Plain"
	case OutputCoinbase:
		return "Coinbase"
	default:
		return "Unknown"
	}
}

func (f OutputFeatures) Valid() bool {
	return f == OutputPlain || f == OutputCoinbase
}

// OutputIdentifier is the fixed-size leaf record stored in the output MMR:
// (features, commitment) per §3.
type OutputIdentifier struct {
	Features OutputFeatures
	Commit   Commitment
}

// OutputIdentifierSize is the fixed on-disk width of an OutputIdentifier
// leaf record (1 feature byte + the commitment).
const OutputIdentifierSize = 1 + CommitmentSize

func (o OutputIdentifier) Bytes() []byte {
	b := make([]byte, OutputIdentifierSize)
	b[0] = byte(o.Features)
	copy(b[1:], o.Commit[:])
	return b
}

// OutputIdentifierFromBytes parses a fixed-width leaf record.
func OutputIdentifierFromBytes(b []byte) (OutputIdentifier, error) {
	var o OutputIdentifier
	if len(b) != OutputIdentifierSize {
		return o, errors.New(errors.ERR_BAD_DATA, "output identifier must be %d bytes, got %d", OutputIdentifierSize, len(b))
	}
	o.Features = OutputFeatures(b[0])
	copy(o.Commit[:], b[1:])
	return o, nil
}

// MaxRangeProofSize bounds the variable-width range-proof blob (Bulletproofs
// are ~675 bytes at typical parameters; this is a generous structural cap).
const MaxRangeProofSize = 1024

// RangeProof is an opaque, variable-length zero-knowledge proof that a
// commitment hides a bounded non-negative value. It is verified in
// batches via the crypto collaborator; the core treats it as a blob.
type RangeProof struct {
	Bytes []byte
}

func (p RangeProof) Valid() bool {
	return len(p.Bytes) > 0 && len(p.Bytes) <= MaxRangeProofSize
}

// Input is a transaction/block input in its current on-wire form: just a
// commitment. The legacy FeaturesAndCommit wire form is normalized to this
// on read (§3 "the core normalizes to CommitOnly on the wire").
type Input struct {
	Commit Commitment
}

// LegacyInput is the deprecated wire form carrying explicit features
// alongside the commitment; only used when decoding older encodings.
type LegacyInput struct {
	Features OutputFeatures
	Commit   Commitment
}

func (li LegacyInput) Normalize() Input {
	return Input{Commit: li.Commit}
}

// Output is a transaction/block output: the identifier plus its range
// proof. Inputs reference outputs only by commitment; the pair
// (OutputIdentifier, RangeProof) is what gets appended to the two
// committed output/rangeproof MMRs in lockstep (§3 I1).
type Output struct {
	Features OutputFeatures
	Commit   Commitment
	Proof    RangeProof
}

func (o Output) Identifier() OutputIdentifier {
	return OutputIdentifier{Features: o.Features, Commit: o.Commit}
}
