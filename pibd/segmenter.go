package pibd

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
)

// archiveSnapshotTTL matches §4.8's "cached per archive period (≈12h)".
const archiveSnapshotTTL = 12 * time.Hour

// treeSnapshot holds, for one committed MMR (or the bitmap accumulator),
// every hash and leaf datum at or below an archive header's declared
// size — materialized once per archive period so repeated segment
// requests never re-touch the live txhashset.
type treeSnapshot struct {
	size   uint64
	hashes map[uint64]hash.Hash
	data   map[uint64][]byte
}

func captureBackend(b *mmr.Backend, size uint64) (*treeSnapshot, error) {
	snap := &treeSnapshot{size: size, hashes: make(map[uint64]hash.Hash), data: make(map[uint64][]byte)}
	for pos := uint64(1); pos <= size; pos++ {
		h, ok, err := b.GetHash(pos)
		if err != nil {
			return nil, errors.New(errors.ERR_STORE, "read mmr hash at position %d", pos, err)
		}
		if !ok {
			continue
		}
		snap.hashes[pos] = h
		if mmr.IsLeaf(pos) {
			d, ok, err := b.GetData(pos)
			if err != nil {
				return nil, errors.New(errors.ERR_STORE, "read mmr leaf data at position %d", pos, err)
			}
			if ok {
				snap.data[pos] = d
			}
		}
	}
	return snap, nil
}

// archiveSnapshot is the segmenter's per-archive-period cache entry: every
// tree's hashes and leaf data as of the archive header, plus the set of
// output leaf indices unspent at that height (reconstructed by the
// rewind, since the live bitmap accumulator mutates chunk content in
// place and cannot otherwise answer "was this output live back then").
type archiveSnapshot struct {
	header *core.BlockHeader
	roots  txhashset.Roots

	// outputPMMRRoot and bitmapRoot are the two halves composed into
	// roots.OutputRoot (§3 I4) — kept separately because a segment's
	// PairedRoot (§4.8) carries the *other* tree's raw root, not the
	// composed commitment.
	outputPMMRRoot hash.Hash
	bitmapRoot     hash.Hash

	output, rangeProof, kernel, bitmap *treeSnapshot
	unspentLeafIdx                     map[uint64]bool
}

// Segmenter is C11's server role: lazily snapshots the txhashset at the
// archive header and answers per-segment requests against the cached
// snapshot, grounded on the read-only-extension pattern
// `txhashset/extension.go`'s ExtendingReadonly+Rewind already establish
// for validation (§4.8).
type Segmenter struct {
	mu sync.Mutex

	logger   ulogger.Logger
	params   *chaincfg.Params
	store    *chainstore.Store
	ths      *txhashset.TxHashSet
	verifier txhashset.Verifier

	cache *ttlcache.Cache[hash.Hash, *archiveSnapshot]
}

// NewSegmenter wires a Segmenter over the node's existing store/txhashset,
// caching snapshots per archive header hash for archiveSnapshotTTL.
func NewSegmenter(logger ulogger.Logger, params *chaincfg.Params, store *chainstore.Store, ths *txhashset.TxHashSet, verifier txhashset.Verifier) *Segmenter {
	registerMetrics()

	cache := ttlcache.New[hash.Hash, *archiveSnapshot](
		ttlcache.WithTTL[hash.Hash, *archiveSnapshot](archiveSnapshotTTL),
	)
	go cache.Start()

	return &Segmenter{
		logger:   logger,
		params:   params,
		store:    store,
		ths:      ths,
		verifier: verifier,
		cache:    cache,
	}
}

// Stop releases the snapshot cache's background eviction goroutine.
func (s *Segmenter) Stop() { s.cache.Stop() }

// ArchiveHeader resolves the deterministic archive header for the chain
// currently rooted at headHash (§4.8): it walks back from the head to the
// height chaincfg.Params.ArchiveHeight selects.
func (s *Segmenter) ArchiveHeader(headHash hash.Hash, headHeight uint64) (*core.BlockHeader, error) {
	batch, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer func() { _ = batch.Rollback() }()

	archiveHeight := s.params.ArchiveHeight(headHeight)

	cur, found, err := batch.GetHeader(headHash)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "read head header", err)
	}
	if !found {
		return nil, errors.New(errors.ERR_NOT_FOUND, "head header %s not found", headHash)
	}
	for cur.Height > archiveHeight {
		prev, found, err := batch.GetHeader(cur.Previous)
		if err != nil {
			return nil, errors.New(errors.ERR_STORE, "walk to archive header", err)
		}
		if !found {
			return nil, errors.New(errors.ERR_STORE, "missing ancestor header %s below height %d", cur.Previous, cur.Height)
		}
		cur = prev
	}
	return cur, nil
}

// snapshotFor returns the cached archiveSnapshot for header, building and
// caching one via a real rewind-and-capture if this is the first request
// of the archive period (§4.8 "lazily builds a snapshot").
func (s *Segmenter) snapshotFor(header *core.BlockHeader, headHash hash.Hash) (*archiveSnapshot, error) {
	hh := header.Hash()
	if item := s.cache.Get(hh); item != nil {
		return item.Value(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(hh); item != nil {
		return item.Value(), nil
	}

	blocksToUndo, err := s.blocksAbove(header, headHash)
	if err != nil {
		return nil, err
	}

	snap, err := s.buildSnapshot(header, blocksToUndo)
	if err != nil {
		return nil, err
	}

	s.cache.Set(hh, snap, ttlcache.DefaultTTL)
	return snap, nil
}

// blocksAbove collects every block strictly above header's height on the
// chain rooted at headHash, oldest first — exactly the shape
// Extension.Rewind expects for its blocksToUndo argument.
func (s *Segmenter) blocksAbove(header *core.BlockHeader, headHash hash.Hash) ([]*core.Block, error) {
	batch, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer func() { _ = batch.Rollback() }()

	var blocks []*core.Block
	curHash := headHash
	for {
		blk, found, err := batch.GetBlock(curHash, core.WireV2)
		if err != nil {
			return nil, errors.New(errors.ERR_STORE, "walk blocks above archive header", err)
		}
		if !found {
			return nil, errors.New(errors.ERR_STORE, "missing block %s above archive header", curHash)
		}
		if blk.Header.Height <= header.Height {
			break
		}
		blocks = append(blocks, blk)
		curHash = blk.Header.Previous
	}
	reverseSegBlocks(blocks)
	return blocks, nil
}

func reverseSegBlocks(b []*core.Block) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// buildSnapshot physically rewinds a readonly extension to header, then
// materializes every tree's hashes/data while still positioned there; the
// extension's automatic rollback restores the live txhashset before this
// call returns, so the cached archiveSnapshot is the only trace left.
func (s *Segmenter) buildSnapshot(header *core.BlockHeader, blocksToUndo []*core.Block) (*archiveSnapshot, error) {
	batch, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer func() { _ = batch.Rollback() }()

	var snap *archiveSnapshot
	err = txhashset.ExtendingReadonly(s.ths, batch, s.verifier, s.params, func(ext *txhashset.Extension) error {
		if err := ext.Rewind(blocksToUndo, header); err != nil {
			return err
		}

		roots, err := s.ths.Roots()
		if err != nil {
			return err
		}

		// The four backends are independently locked, so their snapshot
		// captures and root recomputations run concurrently rather than
		// one after another — the archive period this result is cached
		// for (archiveSnapshotTTL) only pays this cost once.
		var outputSnap, rangeProofSnap, kernelSnap, bitmapSnap *treeSnapshot
		var outputPMMRRoot, bitmapRoot hash.Hash
		bitmapBackend := s.ths.Bitmap.Backend()

		var g errgroup.Group
		g.Go(func() (err error) {
			outputSnap, err = captureBackend(s.ths.Output, header.OutputMMRSize)
			return err
		})
		g.Go(func() (err error) {
			rangeProofSnap, err = captureBackend(s.ths.RangeProof, header.OutputMMRSize)
			return err
		})
		g.Go(func() (err error) {
			kernelSnap, err = captureBackend(s.ths.Kernel, header.KernelMMRSize)
			return err
		})
		g.Go(func() (err error) {
			bitmapSnap, err = captureBackend(bitmapBackend, bitmapBackend.Size())
			return err
		})
		g.Go(func() (err error) {
			outputPMMRRoot, err = mmr.New(s.ths.Output).Root()
			return err
		})
		g.Go(func() (err error) {
			bitmapRoot, err = s.ths.Bitmap.Root()
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		unspent := make(map[uint64]bool)
		for _, idx := range s.ths.Bitmap.UnspentPositions() {
			unspent[uint64(idx)] = true
		}

		snap = &archiveSnapshot{
			header:         header,
			roots:          roots,
			outputPMMRRoot: outputPMMRRoot,
			bitmapRoot:     bitmapRoot,
			output:         outputSnap,
			rangeProof:     rangeProofSnap,
			kernel:         kernelSnap,
			bitmap:         bitmapSnap,
			unspentLeafIdx: unspent,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// BuildSegment answers a single (kind, segmentID) request against the
// archive header's snapshot, producing leaves, cover hashes for spent
// (output/rangeproof) leaves, the other peaks needed to bag the tree's
// full root, and — for output/bitmap kinds — the paired root (§4.8).
func (s *Segmenter) BuildSegment(headHash hash.Hash, headHeight uint64, kind MMRKind, id SegmentID) (*Segment, error) {
	if !validSegmentHeight(kind, id.Height) {
		return nil, errors.New(errors.ERR_INVALID_SEGMENT_HEIGHT, "segment height %d invalid for kind %s", id.Height, kind)
	}

	header, err := s.ArchiveHeader(headHash, headHeight)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshotFor(header, headHash)
	if err != nil {
		return nil, err
	}

	var tree *treeSnapshot
	switch kind {
	case KindOutput:
		tree = snap.output
	case KindRangeProof:
		tree = snap.rangeProof
	case KindKernel:
		tree = snap.kernel
	case KindBitmap:
		tree = snap.bitmap
	default:
		return nil, errors.New(errors.ERR_INVALID_ARGUMENT, "unknown segment kind %d", kind)
	}

	firstLeafIdx := id.firstLeafIdx()
	leafCount := id.leafCount()
	firstPos := mmr.InsertionToPMMRIndex(firstLeafIdx)
	rootPos := id.subtreeRootPos(firstPos)
	if rootPos > tree.size {
		return nil, errors.New(errors.ERR_INVALID_SEGMENT, "segment %d/%d out of range for tree of size %d", id.Height, id.Idx, tree.size)
	}

	proof, err := mmr.ProofFromHashes(tree.hashes, tree.size, rootPos)
	if err != nil {
		return nil, errors.New(errors.ERR_INVALID_SEGMENT, "build proof for segment %d/%d", id.Height, id.Idx, err)
	}

	peaks := mmr.Peaks(tree.size)
	var otherPeaks []PosHash
	for _, pk := range peaks {
		if pk == proof.Pos {
			continue
		}
		h, ok := tree.hashes[pk]
		if !ok {
			return nil, errors.New(errors.ERR_STORE, "missing peak hash at position %d", pk)
		}
		otherPeaks = append(otherPeaks, PosHash{Pos: pk, Hash: h})
	}

	var leaves []PosData
	var covers []PosHash
	for i := uint64(0); i < leafCount; i++ {
		leafIdx := firstLeafIdx + i
		pos := mmr.InsertionToPMMRIndex(leafIdx)
		if pos > tree.size {
			break
		}

		spent := (kind == KindOutput || kind == KindRangeProof) && !snap.unspentLeafIdx[leafIdx]
		if spent {
			h, ok := tree.hashes[pos]
			if !ok {
				return nil, errors.New(errors.ERR_STORE, "missing cover hash at position %d", pos)
			}
			covers = append(covers, PosHash{Pos: pos, Hash: h})
			continue
		}

		d, ok := tree.data[pos]
		if !ok {
			return nil, errors.New(errors.ERR_STORE, "missing leaf data at position %d", pos)
		}
		leaves = append(leaves, PosData{Pos: pos, Data: d})
	}

	seg := &Segment{
		Kind:       kind,
		ID:         id,
		Hashes:     covers,
		Leaves:     leaves,
		Proof:      proof,
		OtherPeaks: otherPeaks,
	}

	switch kind {
	case KindOutput:
		bitmapRoot := snap.bitmapRoot
		seg.PairedRoot = &bitmapRoot
	case KindBitmap:
		outputPMMRRoot := snap.outputPMMRRoot
		seg.PairedRoot = &outputPMMRRoot
	}

	return seg, nil
}
