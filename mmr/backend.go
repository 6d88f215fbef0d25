package mmr

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/ulogger"
)

// Backend is the append-only hash+data file pair of C1: a hash file of
// fixed-width digests, a data file of variable-width leaf records, a
// prune list, and (for prunable MMRs) a leaf-liveness bitmap. Mirrors the
// on-disk layout of §6 (`pmmr_hash.bin`, `pmmr_data.bin`, `pmmr_prun.bin`,
// `pmmr_leaf.bin`).
type Backend struct {
	mu sync.RWMutex

	logger   ulogger.Logger
	dir      string
	prunable bool // kernel MMR is non-prunable: no prune list, no leaf file

	hashFile *os.File
	dataFile *os.File

	size        uint64 // logical MMR size: count of non-empty positions
	dataOffset  int64  // current write offset into dataFile
	dataIndex   map[uint64]dataLoc

	pruned  *roaring.Bitmap // positions (truncated to uint32) whose hash has been dropped
	leafSet *roaring.Bitmap // leaf insertion indices (truncated to uint32) that are live
}

type dataLoc struct {
	offset int64
	length uint32
}

// New opens (creating if absent) a Backend rooted at dir, following the
// teacher's `New(logger, path)` constructor convention for on-disk stores
// (`stores/blob/file`).
func New(logger ulogger.Logger, dir string, prunable bool) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.ERR_STORE, "create mmr dir %s", dir, err)
	}

	hf, err := os.OpenFile(filepath.Join(dir, "pmmr_hash.bin"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "open hash file", err)
	}
	df, err := os.OpenFile(filepath.Join(dir, "pmmr_data.bin"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "open data file", err)
	}

	b := &Backend{
		logger:    logger,
		dir:       dir,
		prunable:  prunable,
		hashFile:  hf,
		dataFile:  df,
		dataIndex: make(map[uint64]dataLoc),
		pruned:    roaring.New(),
		leafSet:   roaring.New(),
	}

	if err := b.reload(); err != nil {
		return nil, err
	}

	return b, nil
}

// reload rebuilds the in-memory offset index by scanning the data file and
// recomputes the logical size from the hash file's length. Real deployments
// would persist this index; scanning at open time keeps the backend
// self-contained and is only paid once per process lifetime.
func (b *Backend) reload() error {
	fi, err := b.hashFile.Stat()
	if err != nil {
		return errors.New(errors.ERR_STORE, "stat hash file", err)
	}
	b.size = uint64(fi.Size()) / hash.Size

	off := int64(0)
	pos := uint64(1)
	for {
		var lenBuf [4]byte
		n, err := b.dataFile.ReadAt(lenBuf[:], off)
		if err == io.EOF || n < 4 {
			break
		}
		if err != nil {
			return errors.New(errors.ERR_STORE, "scan data file", err)
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		b.dataIndex[pos] = dataLoc{offset: off + 4, length: length}
		off += 4 + int64(length)
		pos = b.nextLeafPos(pos)
	}
	b.dataOffset = off

	return nil
}

// nextLeafPos returns the next leaf position strictly after pos, walking
// the backing hash file to skip interior nodes. Only used during reload.
func (b *Backend) nextLeafPos(pos uint64) uint64 {
	for p := pos + 1; p <= b.size+1; p++ {
		if IsLeaf(p) {
			return p
		}
	}
	return b.size + 2
}

// Size returns the current logical size (count of hash-bearing positions).
func (b *Backend) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Dir returns the backend's root directory, used by the txhashset bundle
// when assembling a PIBD archive zip (§6).
func (b *Backend) Dir() string {
	return b.dir
}

// PrunedBytes serializes the prune list for inclusion in a PIBD archive as
// `pmmr_prun.bin`.
func (b *Backend) PrunedBytes() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pruned.ToBytes()
}

// LeafSetBytes serializes the leaf-liveness bitmap for inclusion in a PIBD
// archive as `pmmr_leaf.bin`.
func (b *Backend) LeafSetBytes() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leafSet.ToBytes()
}

func (b *Backend) writeHashAt(pos uint64, h hash.Hash) error {
	_, err := b.hashFile.WriteAt(h[:], int64(pos-1)*hash.Size)
	return err
}

func (b *Backend) readHashAt(pos uint64) (hash.Hash, error) {
	var h hash.Hash
	_, err := b.hashFile.ReadAt(h[:], int64(pos-1)*hash.Size)
	return h, err
}

// Append writes the leaf's hash at the new leaf position, then iteratively
// writes parent hashes for every right-child completion walking up to the
// peak — the same back-fill loop forestrie-go-merklelog's AddHashedLeaf
// uses, adapted to a file-backed store (§4.1).
func (b *Backend) Append(leafHash hash.Hash, data []byte) (pos uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	preSize := b.size
	defer func() {
		if err != nil {
			// discard a partially-written append by truncating back
			_ = b.hashFile.Truncate(int64(preSize) * hash.Size)
			_ = b.dataFile.Truncate(b.dataOffset)
			b.size = preSize
		}
	}()

	pos = b.size + 1
	if err = b.writeHashAt(pos, leafHash); err != nil {
		return 0, errors.New(errors.ERR_STORE, "write leaf hash", err)
	}
	b.size = pos

	leafIdx := LeafCount(pos - 1)
	if err = b.writeData(pos, data); err != nil {
		return 0, err
	}
	b.leafSet.Add(uint32(leafIdx))

	if err = b.completeFrom(pos, 0); err != nil {
		return 0, err
	}

	return pos, nil
}

// completeFrom back-fills parent hashes from (startPos, startHeight) up to
// the peak it completes, the ancestor-completion walk every position-order
// insertion needs regardless of whether it arrived via Append, PushLeafAt,
// or PushCoverAt: a right child completes its parent, whose completion may
// itself complete a grandparent, and so on (§4.1).
func (b *Backend) completeFrom(startPos, startHeight uint64) error {
	height := startHeight
	i := startPos
	for IndexHeight(i) > height {
		leftPos := i - SiblingOffset(height)
		rightPos := i

		leftHash, err := b.readHashAt(leftPos)
		if err != nil {
			return errors.New(errors.ERR_STORE, "read left child hash", err)
		}
		rightHash, err := b.readHashAt(rightPos)
		if err != nil {
			return errors.New(errors.ERR_STORE, "read right child hash", err)
		}

		parentPos := i + 1
		parentHash := hash.Node(parentPos, leftHash, rightHash)
		if err := b.writeHashAt(parentPos, parentHash); err != nil {
			return errors.New(errors.ERR_STORE, "write parent hash", err)
		}
		b.size = parentPos
		i = parentPos
		height++
	}
	return nil
}

// PushLeafAt installs a segment's full leaf data at pos, which must be the
// position immediately following the backend's current size: the PIBD
// desegmenter's strict ascending-position-order installation of a
// segment's Leaves entries (§4.8).
func (b *Backend) PushLeafAt(pos uint64, leafHash hash.Hash, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos != b.size+1 {
		return errors.New(errors.ERR_BAD_DATA, "push leaf at %d out of order, expected %d", pos, b.size+1)
	}
	if !IsLeaf(pos) {
		return errors.New(errors.ERR_BAD_DATA, "push leaf at %d is not a leaf position", pos)
	}

	if err := b.writeHashAt(pos, leafHash); err != nil {
		return errors.New(errors.ERR_STORE, "write pushed leaf hash", err)
	}
	b.size = pos
	if err := b.writeData(pos, data); err != nil {
		return err
	}
	b.leafSet.Add(uint32(LeafCount(pos - 1)))

	return b.completeFrom(pos, 0)
}

// PushCoverAt installs a non-derivable hash at pos without leaf data — a
// segment's cover hash standing in for a spent output/rangeproof leaf, or a
// pruned-subtree root the segment sent instead of its full leaves. pos must
// be the position immediately following the backend's current size. If pos
// is a leaf position on a prunable backend, the leaf is installed already
// dead (no leaf-set entry), matching what a cover hash represents (§4.8).
func (b *Backend) PushCoverAt(pos uint64, h hash.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos != b.size+1 {
		return errors.New(errors.ERR_BAD_DATA, "push cover at %d out of order, expected %d", pos, b.size+1)
	}

	if err := b.writeHashAt(pos, h); err != nil {
		return errors.New(errors.ERR_STORE, "write pushed cover hash", err)
	}
	b.size = pos

	startHeight := uint64(0)
	if IsLeaf(pos) {
		if b.prunable {
			b.pruned.Add(uint32(pos))
		}
	} else {
		startHeight = PosHeight(pos)
	}

	return b.completeFrom(pos, startHeight)
}

func (b *Backend) writeData(pos uint64, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := b.dataFile.WriteAt(lenBuf[:], b.dataOffset); err != nil {
		return errors.New(errors.ERR_STORE, "write data length", err)
	}
	if _, err := b.dataFile.WriteAt(data, b.dataOffset+4); err != nil {
		return errors.New(errors.ERR_STORE, "write data bytes", err)
	}
	b.dataIndex[pos] = dataLoc{offset: b.dataOffset + 4, length: uint32(len(data))}
	b.dataOffset += 4 + int64(len(data))
	return nil
}

// GetHash returns the stored hash, or ok=false if pos is pruned or beyond
// the current size.
func (b *Backend) GetHash(pos uint64) (hash.Hash, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pos == 0 || pos > b.size {
		return hash.Hash{}, false, nil
	}
	if b.prunable && b.pruned.Contains(uint32(pos)) {
		return hash.Hash{}, false, nil
	}
	h, err := b.readHashAt(pos)
	if err != nil {
		return hash.Hash{}, false, errors.New(errors.ERR_STORE, "read hash", err)
	}
	return h, true, nil
}

// GetData returns the leaf data stored at pos, or ok=false if pos is
// pruned, not a leaf, or beyond the current size (§4.1).
func (b *Backend) GetData(pos uint64) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pos == 0 || pos > b.size || !IsLeaf(pos) {
		return nil, false, nil
	}
	leafIdx := LeafCount(pos - 1)
	if b.prunable && !b.leafSet.Contains(uint32(leafIdx)) {
		return nil, false, nil
	}
	loc, ok := b.dataIndex[pos]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, loc.length)
	if _, err := b.dataFile.ReadAt(buf, loc.offset); err != nil {
		return nil, false, errors.New(errors.ERR_STORE, "read data", err)
	}
	return buf, true, nil
}

// Prune marks the leaf at pos dead in the leaf-set; if it completes a
// pruned sibling pair, marks the parent dead as well, walking up to the
// highest all-dead subtree root (§4.1).
func (b *Backend) Prune(pos uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.prunable {
		return errors.New(errors.ERR_BAD_DATA, "prune called on non-prunable backend")
	}
	if !IsLeaf(pos) {
		return errors.New(errors.ERR_BAD_DATA, "prune called on non-leaf position %d", pos)
	}

	leafIdx := LeafCount(pos - 1)
	if !b.leafSet.Contains(uint32(leafIdx)) {
		return errors.New(errors.ERR_ALREADY_SPENT, "position %d already pruned", pos)
	}
	b.leafSet.Remove(uint32(leafIdx))
	b.pruned.Add(uint32(pos))
	b.markParentsDead(pos)

	return nil
}

// markParentsDead walks up from a newly-pruned position, marking each
// ancestor dead once both of its children are pruned, stopping at the
// first ancestor whose sibling subtree is still (partially) live.
func (b *Backend) markParentsDead(pos uint64) {
	cur := pos
	height := PosHeight(cur)

	for {
		var sibling, parent uint64
		if PosHeight(cur+1) == height+1 {
			// cur is the right child; its parent immediately follows it.
			parent = cur + 1
			sibling, _ = LeftChild(parent)
		} else {
			parent = cur + ParentOffset(height)
			sibling = cur + SiblingOffset(height)
		}

		if parent > b.size || !b.pruned.Contains(uint32(sibling)) {
			return
		}

		b.pruned.Add(uint32(parent))
		cur = parent
		height++
	}
}

// DeadLeafIndices returns a bitmap of leaf insertion indices in [from, to)
// currently marked dead, for use by rewind's "OR spent_bitmap back into
// the leaf-set".
func (b *Backend) DeadLeafIndices(from, to uint64) *roaring.Bitmap {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dead := roaring.New()
	full := roaring.New()
	full.AddRange(uint64(from), uint64(to))
	dead.Or(full)
	dead.AndNot(b.leafSet)
	return dead
}

// Rewind truncates the hash/data files to the given logical size and ORs
// spentBitmap back into the leaf-set, undoing spends that happened after
// the rewind target (§4.1).
func (b *Backend) Rewind(size uint64, spentBitmap *roaring.Bitmap) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size > b.size {
		return errors.New(errors.ERR_BAD_DATA, "rewind target %d exceeds current size %d", size, b.size)
	}

	if err := b.hashFile.Truncate(int64(size) * hash.Size); err != nil {
		return errors.New(errors.ERR_STORE, "truncate hash file", err)
	}

	// Drop data-file entries and the dead-position markers for positions
	// beyond the rewind target.
	cutoffLeafIdx := LeafCount(size)
	for pos := range b.dataIndex {
		if pos > size {
			delete(b.dataIndex, pos)
		}
	}
	b.pruned.RemoveRange(uint64(size)+1, uint64(b.size)+1)

	if spentBitmap != nil {
		b.leafSet.Or(spentBitmap)
	}
	b.leafSet.RemoveRange(uint64(cutoffLeafIdx), uint64(LeafCount(b.size))+1)

	b.size = size

	// dataOffset is not rolled back: the data file is never truncated
	// mid-stream, so later writes land after the stale records, and
	// CheckCompact does not rewrite the data file either.
	return nil
}

// CheckCompact rewrites the hash file dropping entries covered by
// the prune list whose positions are < cutoffSize and not in
// rewindRmPos, preserving the subtree-root hashes needed for proofs of
// surviving leaves (§4.1). The data file is not rewritten.
func (b *Backend) CheckCompact(cutoffSize uint64, rewindRmPos *roaring.Bitmap) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.prunable {
		return nil
	}

	keepHash := roaring.New()
	for pos := uint64(1); pos <= b.size; pos++ {
		if pos >= cutoffSize {
			keepHash.Add(uint32(pos))
			continue
		}
		if !b.pruned.Contains(uint32(pos)) {
			keepHash.Add(uint32(pos))
			continue
		}
		if rewindRmPos != nil && rewindRmPos.Contains(uint32(pos)) {
			keepHash.Add(uint32(pos))
		}
	}

	newHashPath := filepath.Join(b.dir, "pmmr_hash.bin.compact")
	newHashFile, err := os.OpenFile(newHashPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.New(errors.ERR_STORE, "open compacted hash file", err)
	}

	it := keepHash.Iterator()
	for it.HasNext() {
		pos := uint64(it.Next())
		h, err := b.readHashAt(pos)
		if err != nil {
			_ = newHashFile.Close()
			return errors.New(errors.ERR_STORE, "read hash during compaction", err)
		}
		if _, err := newHashFile.WriteAt(h[:], int64(pos-1)*hash.Size); err != nil {
			_ = newHashFile.Close()
			return errors.New(errors.ERR_STORE, "write compacted hash", err)
		}
	}

	if err := newHashFile.Close(); err != nil {
		return errors.New(errors.ERR_STORE, "close compacted hash file", err)
	}
	if err := b.hashFile.Close(); err != nil {
		return errors.New(errors.ERR_STORE, "close hash file", err)
	}
	if err := os.Rename(newHashPath, filepath.Join(b.dir, "pmmr_hash.bin")); err != nil {
		return errors.New(errors.ERR_STORE, "rename compacted hash file", err)
	}
	hf, err := os.OpenFile(filepath.Join(b.dir, "pmmr_hash.bin"), os.O_RDWR, 0o644)
	if err != nil {
		return errors.New(errors.ERR_STORE, "reopen hash file", err)
	}
	b.hashFile = hf

	return nil
}

// OverwriteLeaf rewrites an already-appended leaf's hash and data in
// place and recomputes every ancestor hash up to the peak it participates
// in, without changing the backend's logical size. Used by the bitmap
// accumulator when a chunk's content changes but its MMR position does
// not (§4.3).
func (b *Backend) OverwriteLeaf(pos uint64, leafHash hash.Hash, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos > b.size {
		return errors.New(errors.ERR_BAD_DATA, "overwrite target %d beyond size %d", pos, b.size)
	}
	if !IsLeaf(pos) {
		return errors.New(errors.ERR_BAD_DATA, "overwrite target %d is not a leaf", pos)
	}

	if err := b.writeHashAt(pos, leafHash); err != nil {
		return errors.New(errors.ERR_STORE, "overwrite leaf hash", err)
	}
	if err := b.writeData(pos, data); err != nil {
		return err
	}

	cur := pos
	height := uint64(0)
	for {
		var sibling, parent uint64
		isRightChild := PosHeight(cur+1) == height+1
		if isRightChild {
			parent = cur + 1
			sibling, _ = LeftChild(parent)
		} else {
			parent = cur + ParentOffset(height)
			sibling = cur + SiblingOffset(height)
		}
		if parent > b.size {
			break
		}

		siblingHash, err := b.readHashAt(sibling)
		if err != nil {
			return errors.New(errors.ERR_STORE, "read sibling hash during overwrite", err)
		}

		var newParentHash hash.Hash
		if isRightChild {
			newParentHash = hash.Node(parent, siblingHash, leafHash)
		} else {
			newParentHash = hash.Node(parent, leafHash, siblingHash)
		}
		leafHash = newParentHash
		if err := b.writeHashAt(parent, newParentHash); err != nil {
			return errors.New(errors.ERR_STORE, "write recomputed ancestor hash", err)
		}

		cur = parent
		height++
	}

	return nil
}

// SetSize forces the backend's logical size, used by PIBD reassembly once
// a segment's leaves/hashes have been written directly via writeHashAt.
func (b *Backend) SetSize(size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size > b.size {
		b.size = size
	}
}

// Close releases the underlying file handles.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err1 := b.hashFile.Close()
	err2 := b.dataFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
