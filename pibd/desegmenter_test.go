package pibd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/mmr"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
)

func testLogger() ulogger.Logger {
	return ulogger.New("test", ulogger.WithPretty(false))
}

// buildSourceSet appends two outputs (plus their range proofs, bitmap bits
// and a plain kernel) directly onto a fresh bundle's backends, bypassing
// Extension/ApplyBlock: these tests only need a small, fully-determined
// tree to hand-build segments against, not a validated block history.
func buildSourceSet(t *testing.T) (*txhashset.TxHashSet, []core.Commitment) {
	t.Helper()
	ths, err := txhashset.Open(testLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ths.Close() })

	commits := make([]core.Commitment, 2)
	var affected []uint64
	for i := range commits {
		var c core.Commitment
		c[0] = byte(i + 1)
		commits[i] = c

		oid := core.OutputIdentifier{Features: core.OutputPlain, Commit: c}
		pos, err := ths.Output.Append(hash.Leaf(oid.Bytes()), oid.Bytes())
		require.NoError(t, err)

		proofBytes := []byte{byte(i), byte(i + 10)}
		rpPos, err := ths.RangeProof.Append(hash.Leaf(proofBytes), proofBytes)
		require.NoError(t, err)
		require.Equal(t, pos, rpPos)

		leafIdx := mmr.LeafCount(pos - 1)
		ths.Bitmap.Set(leafIdx, true)
		affected = append(affected, leafIdx)
		ths.IndexOutput(c, txhashset.CommitPos{Pos: pos, Height: 1})
	}
	require.NoError(t, ths.Bitmap.Apply(affected))

	k := core.Kernel{Features: core.PlainFeatures(0), Excess: commits[0]}
	_, err = ths.Kernel.Append(hash.Leaf(k.HashBytes()), k.HashBytes())
	require.NoError(t, err)

	return ths, commits
}

// buildSegment hand-assembles a Segment covering id's full leaf range of
// backend, relying on every fixture in this file being sized so the
// segment's subtree root is already the tree's sole peak — the proof path
// and OtherPeaks are empty and PairedRoot is supplied by the caller for the
// output/bitmap kinds only.
func buildSegment(t *testing.T, backend *mmr.Backend, kind MMRKind, id SegmentID, pairedRoot *hash.Hash) *Segment {
	t.Helper()

	firstPos := mmr.InsertionToPMMRIndex(id.firstLeafIdx())
	rootPos := id.subtreeRootPos(firstPos)

	var leaves []PosData
	for pos := firstPos; pos <= rootPos; pos++ {
		if !mmr.IsLeaf(pos) {
			continue
		}
		data, ok, err := backend.GetData(pos)
		require.NoError(t, err)
		require.True(t, ok)
		leaves = append(leaves, PosData{Pos: pos, Data: data})
	}

	proof, err := mmr.New(backend).SubtreeProof(rootPos)
	require.NoError(t, err)
	require.Empty(t, proof.Path, "fixture trees are sized so every subtree root is already the sole peak")

	return &Segment{
		Kind:       kind,
		ID:         id,
		Leaves:     leaves,
		Proof:      proof,
		PairedRoot: pairedRoot,
	}
}

// newTestDesegmenter wires a Desegmenter directly against a fresh sandbox,
// skipping NewDesegmenter/BuildPlan: production segment heights (§4.8's
// segmentHeightRanges) are far larger than a unit test can afford to build
// real trees for, but ApplySegment itself never consults those ranges, so
// exercising it against small, explicitly-sized plans is a faithful test of
// the installation and verification logic.
func newTestDesegmenter(t *testing.T, header *core.BlockHeader, plan []PlanItem) *Desegmenter {
	t.Helper()
	sandbox, err := txhashset.Open(testLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandbox.Close() })

	pending := make(map[PlanItem]bool, len(plan))
	for _, item := range plan {
		pending[item] = true
	}

	return &Desegmenter{
		logger:   testLogger(),
		header:   header,
		headHash: hash.ZeroHash,
		sandbox:  sandbox,
		plan:     plan,
		pending:  pending,
	}
}

func TestApplySegment_RangeProofRoundTrip(t *testing.T) {
	src, _ := buildSourceSet(t)

	id := SegmentID{Height: 1, Idx: 0}
	seg := buildSegment(t, src.RangeProof, KindRangeProof, id, nil)

	roots, err := src.Roots()
	require.NoError(t, err)
	header := &core.BlockHeader{
		Height:         1,
		OutputRoot:     roots.OutputRoot,
		RangeProofRoot: roots.RangeProofRoot,
		KernelRoot:     roots.KernelRoot,
		OutputMMRSize:  src.Output.Size(),
		KernelMMRSize:  src.Kernel.Size(),
	}

	plan := []PlanItem{{Kind: KindRangeProof, ID: id}}
	d := newTestDesegmenter(t, header, plan)

	require.NoError(t, d.ApplySegment(plan[0], seg))
	require.True(t, d.Done())
	require.Empty(t, d.Outstanding())
}

func TestApplySegment_OutputBitmapPairedRoot(t *testing.T) {
	src, _ := buildSourceSet(t)

	outputID := SegmentID{Height: 1, Idx: 0}
	bitmapID := SegmentID{Height: 0, Idx: 0}

	bitmapRoot, err := src.Bitmap.Root()
	require.NoError(t, err)
	outputPMMRRoot, err := mmr.New(src.Output).Root()
	require.NoError(t, err)
	rpRoot, err := mmr.New(src.RangeProof).Root()
	require.NoError(t, err)
	kRoot, err := mmr.New(src.Kernel).Root()
	require.NoError(t, err)

	outputSeg := buildSegment(t, src.Output, KindOutput, outputID, &bitmapRoot)
	bitmapSeg := buildSegment(t, src.Bitmap.Backend(), KindBitmap, bitmapID, &outputPMMRRoot)

	header := &core.BlockHeader{
		Height:         1,
		OutputRoot:     hash.OutputRoot(outputPMMRRoot, bitmapRoot),
		RangeProofRoot: rpRoot,
		KernelRoot:     kRoot,
		OutputMMRSize:  src.Output.Size(),
		KernelMMRSize:  src.Kernel.Size(),
	}

	plan := []PlanItem{{Kind: KindOutput, ID: outputID}, {Kind: KindBitmap, ID: bitmapID}}
	d := newTestDesegmenter(t, header, plan)

	require.NoError(t, d.ApplySegment(plan[0], outputSeg))
	require.NoError(t, d.ApplySegment(plan[1], bitmapSeg))
	require.True(t, d.Done())
}

func TestApplySegment_TamperedLeafRejected(t *testing.T) {
	src, _ := buildSourceSet(t)

	id := SegmentID{Height: 1, Idx: 0}
	seg := buildSegment(t, src.RangeProof, KindRangeProof, id, nil)
	tampered := append([]byte{}, seg.Leaves[0].Data...)
	tampered[0] ^= 0xFF
	seg.Leaves[0].Data = tampered

	roots, err := src.Roots()
	require.NoError(t, err)
	header := &core.BlockHeader{
		Height:         1,
		OutputRoot:     roots.OutputRoot,
		RangeProofRoot: roots.RangeProofRoot,
		KernelRoot:     roots.KernelRoot,
		OutputMMRSize:  src.Output.Size(),
		KernelMMRSize:  src.Kernel.Size(),
	}

	plan := []PlanItem{{Kind: KindRangeProof, ID: id}}
	d := newTestDesegmenter(t, header, plan)

	err = d.ApplySegment(plan[0], seg)
	require.Error(t, err)
	require.False(t, d.Done())
	require.Len(t, d.Outstanding(), 1)
}

func TestApplySegment_WrongItemRejected(t *testing.T) {
	src, _ := buildSourceSet(t)

	id := SegmentID{Height: 1, Idx: 0}
	seg := buildSegment(t, src.RangeProof, KindRangeProof, id, nil)
	seg.ID.Idx = 7 // no longer matches the requested item

	roots, err := src.Roots()
	require.NoError(t, err)
	header := &core.BlockHeader{
		Height:         1,
		OutputRoot:     roots.OutputRoot,
		RangeProofRoot: roots.RangeProofRoot,
		KernelRoot:     roots.KernelRoot,
		OutputMMRSize:  src.Output.Size(),
		KernelMMRSize:  src.Kernel.Size(),
	}

	plan := []PlanItem{{Kind: KindRangeProof, ID: id}}
	d := newTestDesegmenter(t, header, plan)

	err = d.ApplySegment(plan[0], seg)
	require.Error(t, err)
}

func TestDesegmenter_FinalizeRoundTrip(t *testing.T) {
	src, commits := buildSourceSet(t)

	outputID := SegmentID{Height: 1, Idx: 0}
	rangeProofID := SegmentID{Height: 1, Idx: 0}
	kernelID := SegmentID{Height: 0, Idx: 0}
	bitmapID := SegmentID{Height: 0, Idx: 0}

	bitmapRoot, err := src.Bitmap.Root()
	require.NoError(t, err)
	outputPMMRRoot, err := mmr.New(src.Output).Root()
	require.NoError(t, err)
	rpRoot, err := mmr.New(src.RangeProof).Root()
	require.NoError(t, err)
	kRoot, err := mmr.New(src.Kernel).Root()
	require.NoError(t, err)

	header := &core.BlockHeader{
		Height:         7,
		OutputRoot:     hash.OutputRoot(outputPMMRRoot, bitmapRoot),
		RangeProofRoot: rpRoot,
		KernelRoot:     kRoot,
		OutputMMRSize:  src.Output.Size(),
		KernelMMRSize:  src.Kernel.Size(),
	}

	outputSeg := buildSegment(t, src.Output, KindOutput, outputID, &bitmapRoot)
	rangeProofSeg := buildSegment(t, src.RangeProof, KindRangeProof, rangeProofID, nil)
	kernelSeg := buildSegment(t, src.Kernel, KindKernel, kernelID, nil)
	bitmapSeg := buildSegment(t, src.Bitmap.Backend(), KindBitmap, bitmapID, &outputPMMRRoot)

	plan := []PlanItem{
		{Kind: KindOutput, ID: outputID},
		{Kind: KindRangeProof, ID: rangeProofID},
		{Kind: KindKernel, ID: kernelID},
		{Kind: KindBitmap, ID: bitmapID},
	}
	d := newTestDesegmenter(t, header, plan)

	require.NoError(t, d.ApplySegment(plan[0], outputSeg))
	require.NoError(t, d.ApplySegment(plan[1], rangeProofSeg))
	require.NoError(t, d.ApplySegment(plan[2], kernelSeg))
	require.NoError(t, d.ApplySegment(plan[3], bitmapSeg))
	require.True(t, d.Done())

	store, err := chainstore.New(testLogger(), filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	batch, err := store.Begin()
	require.NoError(t, err)

	reassembled, err := d.Finalize(batch)
	require.NoError(t, err)
	require.NoError(t, batch.Commit())

	roots, err := reassembled.Roots()
	require.NoError(t, err)
	require.Equal(t, header.OutputRoot, roots.OutputRoot)
	require.Equal(t, header.RangeProofRoot, roots.RangeProofRoot)
	require.Equal(t, header.KernelRoot, roots.KernelRoot)

	for _, c := range commits {
		cp, ok := reassembled.ResolveOutputPos(c)
		require.True(t, ok)
		require.Equal(t, header.Height, cp.Height)
	}
}

func TestBuildPlan_ReportsUncoveredRemainder(t *testing.T) {
	header := &core.BlockHeader{
		Height:        1,
		OutputMMRSize: mmr.InsertionToPMMRIndex(2), // 3 output leaves: not a multiple of any standard height's 2^h
		KernelMMRSize: mmr.InsertionToPMMRIndex(0), // 1 kernel leaf
	}

	plan, uncovered := BuildPlan(header)
	require.Empty(t, plan, "no kind here reaches a full standard-height segment")
	require.Equal(t, uint64(3), uncovered[KindOutput])
	require.Equal(t, uint64(3), uncovered[KindRangeProof])
	require.Equal(t, uint64(1), uncovered[KindKernel])
	require.Equal(t, uint64(1), uncovered[KindBitmap])
}
