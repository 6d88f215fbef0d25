// Package txhashset implements C5 (the bundle of committed MMRs, the
// bitmap accumulator and the commitment->position index) and C6 (the
// Extension transactional mutator over them).
package txhashset

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/mw-labs/mwnode/bitmap"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
	"github.com/mw-labs/mwnode/ulogger"
)

// CommitPos mirrors chainstore.OutputPos without importing chainstore,
// keeping txhashset usable standalone (the commit->position index here is
// the in-memory working copy; chainstore persists the authoritative one).
type CommitPos struct {
	Pos    uint64
	Height uint64
}

// TxHashSet bundles the three committed MMRs, the bitmap accumulator and
// an in-memory commitment->position index, following the teacher's
// swiss-map-backed index pattern (`util/txmap.go`'s SwissMap) for the
// hot-path commitment lookup the UTXO view needs on every input.
type TxHashSet struct {
	mu sync.RWMutex

	logger ulogger.Logger
	dir    string

	Output     *mmr.Backend
	RangeProof *mmr.Backend
	Kernel     *mmr.Backend
	Bitmap     *bitmap.Accumulator

	commitIndex *swiss.Map[core.Commitment, CommitPos]
}

// Open opens (creating if absent) the four backends rooted at dir,
// mirroring the on-disk layout of §6 (`txhashset/output/`,
// `txhashset/rangeproof/`, `txhashset/kernel/`).
func Open(logger ulogger.Logger, dir string) (*TxHashSet, error) {
	outputBackend, err := mmr.New(logger.New("output"), filepath.Join(dir, "output"), true)
	if err != nil {
		return nil, err
	}
	rangeProofBackend, err := mmr.New(logger.New("rangeproof"), filepath.Join(dir, "rangeproof"), true)
	if err != nil {
		return nil, err
	}
	kernelBackend, err := mmr.New(logger.New("kernel"), filepath.Join(dir, "kernel"), false)
	if err != nil {
		return nil, err
	}
	bitmapBackend, err := mmr.New(logger.New("bitmap"), filepath.Join(dir, "bitmap"), false)
	if err != nil {
		return nil, err
	}

	ths := &TxHashSet{
		logger:      logger,
		dir:         dir,
		Output:      outputBackend,
		RangeProof:  rangeProofBackend,
		Kernel:      kernelBackend,
		Bitmap:      bitmap.New(bitmapBackend),
		commitIndex: swiss.NewMap[core.Commitment, CommitPos](1024),
	}

	return ths, nil
}

// Close releases every backend's file handles.
func (t *TxHashSet) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, b := range []*mmr.Backend{t.Output, t.RangeProof, t.Kernel, t.Bitmap.Backend()} {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Roots returns the three committed roots plus the composed output_root
// (§3 I4, §4.4).
type Roots struct {
	OutputRoot     hash.Hash // H(pmmr_root ‖ bitmap_root)
	RangeProofRoot hash.Hash
	KernelRoot     hash.Hash
}

func (t *TxHashSet) Roots() (Roots, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootsLocked()
}

func (t *TxHashSet) rootsLocked() (Roots, error) {
	outputPMMRRoot, err := mmr.New(t.Output).Root()
	if err != nil {
		return Roots{}, err
	}
	bitmapRoot, err := t.Bitmap.Root()
	if err != nil {
		return Roots{}, err
	}
	rangeProofRoot, err := mmr.New(t.RangeProof).Root()
	if err != nil {
		return Roots{}, err
	}
	kernelRoot, err := mmr.New(t.Kernel).Root()
	if err != nil {
		return Roots{}, err
	}

	return Roots{
		OutputRoot:     hash.OutputRoot(outputPMMRRoot, bitmapRoot),
		RangeProofRoot: rangeProofRoot,
		KernelRoot:     kernelRoot,
	}, nil
}

// ResolveOutputPos looks up a commitment's current (pos, height) in the
// in-memory index. The UTXO view (C7) uses this to resolve inputs.
func (t *TxHashSet) ResolveOutputPos(commit core.Commitment) (CommitPos, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commitIndex.Get(commit)
}

func (t *TxHashSet) setOutputPos(commit core.Commitment, cp CommitPos) {
	t.commitIndex.Put(commit, cp)
}

func (t *TxHashSet) deleteOutputPos(commit core.Commitment) {
	t.commitIndex.Delete(commit)
}

// IndexOutput installs a commitment->position mapping directly, used by
// PIBD finalization (§4.8) to rebuild the in-memory index from a freshly
// reassembled txhashset's decoded output leaves, bypassing the normal
// per-block ApplyBlock bookkeeping that built it.
func (t *TxHashSet) IndexOutput(commit core.Commitment, cp CommitPos) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setOutputPos(commit, cp)
}

// Sizes snapshots the three committed MMRs' current logical sizes, used
// by the segmenter to bind a readonly view to a consistent pre-write
// snapshot (§4.8, §5).
type Sizes struct {
	OutputSize     uint64
	RangeProofSize uint64
	KernelSize     uint64
}

func (t *TxHashSet) Sizes() Sizes {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Sizes{
		OutputSize:     t.Output.Size(),
		RangeProofSize: t.RangeProof.Size(),
		KernelSize:     t.Kernel.Size(),
	}
}

var errCommitmentNotFound = errors.New(errors.ERR_NOT_FOUND, "commitment not found in output position index")

// Dir returns the bundle's root directory.
func (t *TxHashSet) Dir() string {
	return t.dir
}

// Archive writes a zip of the three committed MMRs' on-disk files plus the
// prune and leaf-liveness bitmaps, following the §6 layout consumed by a
// peer's `TxHashSetArchive` handler: `kernel/pmmr_{data,hash}.bin`,
// `output/pmmr_{data,hash,prun}.bin`, `rangeproof/pmmr_{data,hash,prun}.bin`,
// plus the header-stamped leaf files `output/pmmr_leaf.bin.<header_hash>`
// and `rangeproof/pmmr_leaf.bin.<header_hash>`. headerHash ties the leaf
// snapshot to the archive's bound block the way the segmenter's
// archiveSnapshot does for individual segments.
func (t *TxHashSet) Archive(w io.Writer, headerHash hash.Hash) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	zw := zip.NewWriter(w)

	type backendEntry struct {
		name    string
		backend *mmr.Backend
		leaf    bool // emit pmmr_leaf.bin.<header_hash> in addition to hash/data
		pruned  bool // emit pmmr_prun.bin
	}
	entries := []backendEntry{
		{name: "output", backend: t.Output, leaf: true, pruned: true},
		{name: "rangeproof", backend: t.RangeProof, leaf: true, pruned: true},
		{name: "kernel", backend: t.Kernel},
	}

	for _, e := range entries {
		if err := archiveFile(zw, e.name+"/pmmr_hash.bin", filepath.Join(e.backend.Dir(), "pmmr_hash.bin")); err != nil {
			return err
		}
		if err := archiveFile(zw, e.name+"/pmmr_data.bin", filepath.Join(e.backend.Dir(), "pmmr_data.bin")); err != nil {
			return err
		}
		if e.pruned {
			prunBytes, err := e.backend.PrunedBytes()
			if err != nil {
				return errors.New(errors.ERR_STORE, "serialize prune list for "+e.name, err)
			}
			if err := archiveBytes(zw, e.name+"/pmmr_prun.bin", prunBytes); err != nil {
				return err
			}
		}
		if e.leaf {
			leafBytes, err := e.backend.LeafSetBytes()
			if err != nil {
				return errors.New(errors.ERR_STORE, "serialize leaf set for "+e.name, err)
			}
			leafName := fmt.Sprintf("%s/pmmr_leaf.bin.%s", e.name, headerHash.String())
			if err := archiveBytes(zw, leafName, leafBytes); err != nil {
				return err
			}
		}
	}

	return zw.Close()
}

func archiveFile(zw *zip.Writer, entryName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.New(errors.ERR_STORE, "open "+path+" for archive", err)
	}
	defer f.Close()

	fw, err := zw.Create(entryName)
	if err != nil {
		return errors.New(errors.ERR_STORE, "create archive entry "+entryName, err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return errors.New(errors.ERR_STORE, "write archive entry "+entryName, err)
	}
	return nil
}

func archiveBytes(zw *zip.Writer, entryName string, data []byte) error {
	fw, err := zw.Create(entryName)
	if err != nil {
		return errors.New(errors.ERR_STORE, "create archive entry "+entryName, err)
	}
	if _, err := fw.Write(data); err != nil {
		return errors.New(errors.ERR_STORE, "write archive entry "+entryName, err)
	}
	return nil
}
