package mmr

import (
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
)

// PMMR is a stateless logical-tree view bound to a Backend and a logical
// size (C2). Multiple readonly views may share one Backend, each bound to
// whatever size it was constructed with — this is how an extension's
// readers see a consistent pre-write snapshot (§5 "readers binding to the
// pre-batch size").
type PMMR struct {
	backend *Backend
	size    uint64
}

// New binds a view to backend at its current size.
func New(backend *Backend) *PMMR {
	return &PMMR{backend: backend, size: backend.Size()}
}

// At binds a view to backend at an explicit logical size, for readonly
// views over a prior state.
func At(backend *Backend, size uint64) *PMMR {
	return &PMMR{backend: backend, size: size}
}

func (p *PMMR) Size() uint64 { return p.size }

// Root bags the peaks right-to-left: H(size ‖ peak_right ‖ accumulator),
// with an empty MMR rooting to the zero hash (§4.2).
func (p *PMMR) Root() (hash.Hash, error) {
	if p.size == 0 {
		return hash.ZeroHash, nil
	}

	peaks := Peaks(p.size)
	if peaks == nil {
		return hash.Hash{}, errors.New(errors.ERR_STORE, "invalid mmr size %d: no peak decomposition", p.size)
	}

	acc := hash.ZeroHash
	for i := len(peaks) - 1; i >= 0; i-- {
		peakHash, ok, err := p.backend.GetHash(peaks[i])
		if err != nil {
			return hash.Hash{}, err
		}
		if !ok {
			return hash.Hash{}, errors.New(errors.ERR_STORE, "missing peak hash at position %d", peaks[i])
		}
		acc = hash.Root(p.size, peakHash, acc)
	}

	return acc, nil
}

// MerkleProof is a path of sibling hashes from a leaf to its containing
// peak, plus the full peak list (§4.2).
type MerkleProof struct {
	Pos     uint64
	Path    []hash.Hash
	Peaks   []uint64
	MMRSize uint64
}

// MerkleProof builds a Merkle proof for the leaf at pos.
func (p *PMMR) MerkleProof(pos uint64) (*MerkleProof, error) {
	if !IsLeaf(pos) || pos > p.size {
		return nil, errors.New(errors.ERR_BAD_DATA, "position %d is not a live leaf of an mmr of size %d", pos, p.size)
	}
	return p.subtreeProof(pos)
}

// SubtreeProof builds a proof from the root of the subtree at pos (a
// segment's boundary position, not necessarily a leaf) up to its
// containing peak, plus the full peak list — the PIBD segmenter's
// generalization of MerkleProof to segment-height subtree roots (§4.8).
func (p *PMMR) SubtreeProof(pos uint64) (*MerkleProof, error) {
	if pos == 0 || pos > p.size {
		return nil, errors.New(errors.ERR_BAD_DATA, "position %d out of range for mmr of size %d", pos, p.size)
	}
	return p.subtreeProof(pos)
}

func (p *PMMR) subtreeProof(pos uint64) (*MerkleProof, error) {
	return proofFromLookup(p.size, pos, p.backend.GetHash)
}

// hashLookup mirrors Backend.GetHash's signature so proofFromLookup can run
// over either a live Backend or an in-memory position->hash map.
type hashLookup func(pos uint64) (hash.Hash, bool, error)

// ProofFromHashes builds a proof for pos against an mmr of the given size
// using an explicit position->hash map instead of a live Backend — the
// PIBD segmenter's entry point for proving a segment against an archived
// snapshot it holds in memory rather than on a Backend (§4.8).
func ProofFromHashes(hashes map[uint64]hash.Hash, size, pos uint64) (*MerkleProof, error) {
	if pos == 0 || pos > size {
		return nil, errors.New(errors.ERR_BAD_DATA, "position %d out of range for mmr of size %d", pos, size)
	}
	lookup := func(p uint64) (hash.Hash, bool, error) {
		h, ok := hashes[p]
		return h, ok, nil
	}
	return proofFromLookup(size, pos, lookup)
}

func proofFromLookup(size, pos uint64, lookup hashLookup) (*MerkleProof, error) {
	peaks := Peaks(size)
	if peaks == nil {
		return nil, errors.New(errors.ERR_STORE, "invalid mmr size %d", size)
	}

	var path []hash.Hash
	cur := pos
	height := PosHeight(pos)

	for {
		isPeak := false
		for _, pk := range peaks {
			if pk == cur {
				isPeak = true
				break
			}
		}
		if isPeak {
			break
		}

		var sibling, parent uint64
		if PosHeight(cur+1) == height+1 {
			parent = cur + 1
			sibling, _ = LeftChild(parent)
		} else {
			parent = cur + ParentOffset(height)
			sibling = cur + SiblingOffset(height)
		}

		siblingHash, ok, err := lookup(sibling)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New(errors.ERR_STORE, "missing sibling hash at position %d", sibling)
		}
		path = append(path, siblingHash)

		cur = parent
		height++

		if cur > size {
			return nil, errors.New(errors.ERR_STORE, "walked past mmr size building proof for %d", pos)
		}
	}

	return &MerkleProof{Pos: pos, Path: path, Peaks: peaks, MMRSize: size}, nil
}

// Verify checks proof against root, recomputing peak-path hashes from
// leafHash upward.
func (mp *MerkleProof) Verify(leafHash hash.Hash, root hash.Hash) bool {
	cur := leafHash
	pos := mp.Pos
	height := uint64(0)

	for _, sibling := range mp.Path {
		var parent uint64
		if PosHeight(pos+1) == height+1 {
			parent = pos + 1
			cur = hash.Node(parent, sibling, cur)
		} else {
			parent = pos + ParentOffset(height)
			cur = hash.Node(parent, cur, sibling)
		}
		pos = parent
		height++
	}

	acc := hash.ZeroHash
	matched := false
	for i := len(mp.Peaks) - 1; i >= 0; i-- {
		peakHash := cur
		if mp.Peaks[i] != pos {
			// Not our peak: caller must supply other peak hashes via the
			// backend; Verify here only certifies the proof's own peak
			// against the final root bagging, which requires the other
			// peaks. Embedders should use PMMR.MerkleProof+Root together
			// rather than Verify in isolation when other peaks are
			// needed; this method covers the common single-peak case.
			return false
		}
		acc = hash.Root(mp.MMRSize, peakHash, acc)
		matched = true
	}

	return matched && acc == root
}

// RootFromPeaks recomputes the full mmr root by walking subtreeHash (the
// hash at mp.Pos, leaf or internal) up this proof's path to its containing
// peak, then bagging every peak in mp.Peaks — substituting the
// just-recomputed hash for the proof's own peak and otherPeakHashes for
// the rest. The PIBD desegmenter uses this: it only ever holds one
// segment's worth of hashes at a time, so it must supply the other peaks'
// hashes (carried in the segment response or known from an already
// installed segment of the same tree) to finish the bagging (§4.8).
func (mp *MerkleProof) RootFromPeaks(subtreeHash hash.Hash, otherPeakHashes map[uint64]hash.Hash) (hash.Hash, error) {
	cur := subtreeHash
	pos := mp.Pos
	height := PosHeight(pos)

	for _, sibling := range mp.Path {
		var parent uint64
		if PosHeight(pos+1) == height+1 {
			parent = pos + 1
			cur = hash.Node(parent, sibling, cur)
		} else {
			parent = pos + ParentOffset(height)
			cur = hash.Node(parent, cur, sibling)
		}
		pos = parent
		height++
	}

	acc := hash.ZeroHash
	for i := len(mp.Peaks) - 1; i >= 0; i-- {
		peakHash := cur
		if mp.Peaks[i] != pos {
			ph, ok := otherPeakHashes[mp.Peaks[i]]
			if !ok {
				return hash.Hash{}, errors.New(errors.ERR_STORE, "missing peak hash at position %d", mp.Peaks[i])
			}
			peakHash = ph
		}
		acc = hash.Root(mp.MMRSize, peakHash, acc)
	}
	return acc, nil
}

// LeafPosIter returns the positions of every live leaf in ascending
// order, skipping pruned leaves.
func (p *PMMR) LeafPosIter() ([]uint64, error) {
	var positions []uint64
	for pos := uint64(1); pos <= p.size; pos++ {
		if !IsLeaf(pos) {
			continue
		}
		if _, ok, err := p.backend.GetData(pos); err != nil {
			return nil, err
		} else if ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// PushPrunedSubtree installs a subtree root at pos without storing its
// leaves — used during PIBD reassembly to install internal hashes a
// segment carries instead of full leaf data (§4.2, §4.8).
func (p *PMMR) PushPrunedSubtree(h hash.Hash, pos uint64) error {
	if err := p.backend.writeHashAt(pos, h); err != nil {
		return err
	}
	p.backend.SetSize(pos)
	if pos > p.size {
		p.size = pos
	}
	return nil
}
