// Package pibd implements C11: the segmenter (server role) and
// desegmenter (client role) of the peer-to-peer initial block download
// protocol, splitting the three committed MMRs and the bitmap
// accumulator into independently verifiable segments at a deterministic
// archive header and reassembling them at a syncing peer (§4.8).
package pibd

import (
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
)

// MMRKind identifies which of the four committed trees a segment belongs
// to (§4.8, §6 "GetOutputBitmapSegment / GetOutputSegment /
// GetRangeProofSegment / GetKernelSegment").
type MMRKind int

const (
	KindOutput MMRKind = iota
	KindRangeProof
	KindKernel
	KindBitmap
)

func (k MMRKind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindRangeProof:
		return "rangeproof"
	case KindKernel:
		return "kernel"
	case KindBitmap:
		return "bitmap"
	default:
		return "unknown"
	}
}

// segmentHeightRange bounds the fixed segment height per kind (§4.8: each
// segment covers 2^h leaves; ranges keep individual segments bounded in
// size regardless of tree depth).
type segmentHeightRange struct{ min, max uint8 }

var segmentHeightRanges = map[MMRKind]segmentHeightRange{
	KindOutput:     {min: 11, max: 16},
	KindRangeProof: {min: 7, max: 12},
	KindKernel:     {min: 9, max: 14},
	KindBitmap:     {min: 9, max: 14},
}

func validSegmentHeight(kind MMRKind, height uint8) bool {
	r, ok := segmentHeightRanges[kind]
	return ok && height >= r.min && height <= r.max
}

// SegmentID addresses one segment of one tree: `idx` ranges over
// `0 <= idx < 2^(log2(leaf_count) - height)` (§6).
type SegmentID struct {
	Height uint8
	Idx    uint64
}

// firstLeafIdx and leafCount describe the 0-based leaf insertion index
// range this segment id covers.
func (id SegmentID) firstLeafIdx() uint64 { return id.Idx << id.Height }
func (id SegmentID) leafCount() uint64    { return uint64(1) << id.Height }

// subtreeRootPos returns the mmr position of the perfect subtree's root
// spanning this segment's leaves, given the position of its first leaf: a
// perfect subtree of height h has 2^(h+1)-1 post-order positions, so its
// root sits 2^(h+1)-2 positions after the first leaf.
func (id SegmentID) subtreeRootPos(firstLeafPos uint64) uint64 {
	return firstLeafPos + (uint64(1) << (id.Height + 1)) - 2
}

// PosHash is an internal mmr position paired with its hash — either a
// cover hash standing in for leaf data the segment omits (a spent output
// or range proof as of the archive header), or a sibling hash the
// recipient doesn't yet have on its own.
type PosHash struct {
	Pos  uint64
	Hash hash.Hash
}

// PosData is an mmr leaf position paired with its raw leaf data.
type PosData struct {
	Pos  uint64
	Data []byte
}

// Segment is a self-contained, independently verifiable slice of one
// committed MMR as of the archive header: its own leaves, the cover
// hashes standing in for any leaf the segment omits, and a proof of its
// boundary against the tree's root at the archive header (§4.8).
type Segment struct {
	Kind MMRKind
	ID   SegmentID

	Hashes []PosHash // cover hashes for omitted (spent) leaves, by position
	Leaves []PosData // included leaf data, by position

	Proof      *mmr.MerkleProof
	OtherPeaks []PosHash // every tree peak besides the one Proof's path leads to, needed to bag the full root

	// PairedRoot carries the other half of output_root's composition
	// (§3 I4): an output segment carries the bitmap root, a bitmap
	// segment carries the output pmmr root, so either side can be
	// cross-checked against the header's single committed output_root
	// without waiting for the other tree to finish syncing.
	PairedRoot *hash.Hash
}
