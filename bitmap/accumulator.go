// Package bitmap implements the bitmap accumulator of C3: a secondary MMR
// whose leaves are fixed-size chunks of the "is output unspent" bitmap
// over output insertion indices. Grounded on the pack's invitation (§9
// "source-language specific bitmap library (roaring)") to use any
// compressed-bitmap implementation offering union, flip-over-range,
// ascending iteration and serialization — github.com/RoaringBitmap/roaring
// supplies exactly that surface.
package bitmap

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
)

// ChunkBits is the fixed width of a single bitmap-accumulator leaf, per
// §4.3 ("1024-bit chunks").
const ChunkBits = 1024
const chunkBytes = ChunkBits / 8

// Accumulator tracks the unspent-output bitmap and commits to its shape
// via an MMR over fixed-size chunks. It owns its own backend, distinct
// from the output/rangeproof/kernel MMRs.
type Accumulator struct {
	backend *mmr.Backend
	bits    *roaring.Bitmap // full is-unspent bitmap over leaf insertion indices
	nChunks uint64          // number of chunk-leaves appended so far
}

// New wraps a dedicated MMR backend (non-prunable: chunk leaves are
// rewritten in place via recompute, never individually pruned).
func New(backend *mmr.Backend) *Accumulator {
	return &Accumulator{backend: backend, bits: roaring.New()}
}

// Backend exposes the accumulator's own MMR backend for callers that need
// to read its raw chunk leaves directly, such as the PIBD segmenter
// building a bitmap segment (§4.8).
func (a *Accumulator) Backend() *mmr.Backend { return a.backend }

func chunkOf(outputIdx uint64) uint64 { return outputIdx / ChunkBits }

// Set marks outputIdx live (unspent) or dead (spent) in the in-memory
// bitmap, without touching the MMR — callers batch a set of
// affectedPositions and call Apply once per block (§4.4 step 5).
func (a *Accumulator) Set(outputIdx uint64, unspent bool) {
	if unspent {
		a.bits.Add(uint32(outputIdx))
	} else {
		a.bits.Remove(uint32(outputIdx))
	}
}

// encodeChunk packs the ChunkBits window [chunkIdx*ChunkBits, +ChunkBits)
// of the bitmap into a fixed 128-byte record.
func (a *Accumulator) encodeChunk(chunkIdx uint64) []byte {
	buf := make([]byte, chunkBytes)
	base := chunkIdx * ChunkBits
	for i := uint64(0); i < ChunkBits; i++ {
		if a.bits.Contains(uint32(base + i)) {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

// Apply recomputes only the chunks containing the given affected output
// insertion indices and re-appends/overwrites them in the MMR (§4.3).
// Chunks beyond the current chunk count are appended in order; existing
// chunks are overwritten in place (the chunk's *content* changes but its
// position in the MMR is stable, matching the original's "recompute only
// affected chunks" rule).
func (a *Accumulator) Apply(affectedOutputIdx []uint64) error {
	touched := make(map[uint64]struct{})
	maxChunk := a.nChunks
	for _, idx := range affectedOutputIdx {
		c := chunkOf(idx)
		touched[c] = struct{}{}
		if c+1 > maxChunk {
			maxChunk = c + 1
		}
	}

	appended := make(map[uint64]struct{}, maxChunk-a.nChunks)
	for c := a.nChunks; c < maxChunk; c++ {
		data := a.encodeChunk(c)
		if _, err := a.backend.Append(hash.Leaf(data), data); err != nil {
			return errors.New(errors.ERR_STORE, "append bitmap chunk %d", c, err)
		}
		appended[c] = struct{}{}
	}
	a.nChunks = maxChunk

	for c := range touched {
		if _, justAppended := appended[c]; justAppended {
			continue // already reflects current content
		}
		if err := a.overwriteChunk(c); err != nil {
			return err
		}
	}

	return nil
}

// overwriteChunk rewrites an already-existing chunk leaf's hash in place
// (the MMR backend's hash file is addressable by position, so updating a
// previously-appended leaf's content means recomputing its hash and every
// ancestor hash up to the peak it participates in).
func (a *Accumulator) overwriteChunk(chunkIdx uint64) error {
	pos := mmr.InsertionToPMMRIndex(chunkIdx)
	data := a.encodeChunk(chunkIdx)
	return a.backend.OverwriteLeaf(pos, hash.Leaf(data), data)
}

// Root returns the current bitmap-accumulator root, or the zero hash if
// no chunks have been committed yet.
func (a *Accumulator) Root() (hash.Hash, error) {
	return mmr.New(a.backend).Root()
}

// RebuildRoot recomputes the accumulator root from scratch over the
// current leaf-set, independent of the incremental MMR state — used by
// P3 ("bitmap_accumulator.root equals the root computed by rebuilding the
// accumulator from scratch").
func (a *Accumulator) RebuildRoot() (hash.Hash, error) {
	if a.nChunks == 0 {
		return hash.ZeroHash, nil
	}

	fresh := roaring.New()
	fresh.Or(a.bits)

	chunkHashes := make([]hash.Hash, a.nChunks)
	for c := uint64(0); c < a.nChunks; c++ {
		base := c * ChunkBits
		buf := make([]byte, chunkBytes)
		for i := uint64(0); i < ChunkBits; i++ {
			if fresh.Contains(uint32(base + i)) {
				buf[i/8] |= 1 << (i % 8)
			}
		}
		chunkHashes[c] = hash.Leaf(buf)
	}

	return bagLeaves(chunkHashes), nil
}

// bagLeaves folds a flat sequence of leaf hashes into an MMR root purely
// in memory, used only by RebuildRoot's from-scratch cross-check.
func bagLeaves(leaves []hash.Hash) hash.Hash {
	positions := map[uint64]hash.Hash{}
	size := uint64(0)
	for _, lh := range leaves {
		pos := size + 1
		positions[pos] = lh
		size = pos

		height := uint64(0)
		i := pos
		for mmr.IndexHeight(i) > height {
			leftPos := i - mmr.SiblingOffset(height)
			rightPos := i
			parent := i + 1
			positions[parent] = hash.Node(parent, positions[leftPos], positions[rightPos])
			size = parent
			i = parent
			height++
		}
	}

	peaks := mmr.Peaks(size)
	if peaks == nil {
		return hash.ZeroHash
	}
	acc := hash.ZeroHash
	for i := len(peaks) - 1; i >= 0; i-- {
		acc = hash.Root(size, positions[peaks[i]], acc)
	}
	return acc
}

// UnspentPositions returns the ascending set of currently-unspent output
// insertion indices, satisfying the spec's iteration requirement.
func (a *Accumulator) UnspentPositions() []uint32 {
	return a.bits.ToArray()
}

// LoadFromBackend rebuilds the in-memory bits/nChunks state by decoding
// every chunk leaf already present on the backend. Used by PIBD
// finalization (§4.8): the desegmenter writes chunk leaves straight onto
// the backend via Backend.PushLeafAt, bypassing Set/Apply entirely, so
// the accumulator's own bookkeeping has to be reconstructed afterward.
func (a *Accumulator) LoadFromBackend() error {
	size := a.backend.Size()
	fresh := roaring.New()
	var nChunks uint64

	for pos := uint64(1); pos <= size; pos++ {
		if !mmr.IsLeaf(pos) {
			continue
		}
		data, ok, err := a.backend.GetData(pos)
		if err != nil {
			return errors.New(errors.ERR_STORE, "read bitmap chunk at position %d", pos, err)
		}
		if !ok {
			continue
		}

		base := nChunks * ChunkBits
		for i := uint64(0); i < ChunkBits && i/8 < uint64(len(data)); i++ {
			if data[i/8]&(1<<(i%8)) != 0 {
				fresh.Add(uint32(base + i))
			}
		}
		nChunks++
	}

	a.bits = fresh
	a.nChunks = nChunks
	return nil
}
