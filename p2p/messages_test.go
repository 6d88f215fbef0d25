package p2p_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/p2p"
	"github.com/mw-labs/mwnode/pibd"
)

func TestEncodeDecodePing(t *testing.T) {
	msg := p2p.NewPing(1234, 99)

	b, err := p2p.Encode(msg)
	require.NoError(t, err)

	typ, err := p2p.PeekType(b)
	require.NoError(t, err)
	require.Equal(t, p2p.MsgPing, typ)

	var out p2p.PingMsg
	require.NoError(t, p2p.Decode(b, &out))
	require.Equal(t, msg, out)
}

func TestBuildLocatorDoublesGapsDownToZero(t *testing.T) {
	heights := map[uint64]hash.Hash{}
	for h := uint64(0); h <= 100; h++ {
		heights[h] = hash.Leaf([]byte{byte(h)})
	}
	headerAt := func(height uint64) (hash.Hash, bool) {
		h, ok := heights[height]
		return h, ok
	}

	locator := p2p.BuildLocator(100, headerAt)
	require.NotEmpty(t, locator)
	require.LessOrEqual(t, len(locator), p2p.MaxLocatorHashes)
	require.Equal(t, heights[100], locator[0])
	require.Equal(t, heights[0], locator[len(locator)-1])
}

func TestBuildLocatorCapsAtMaxEntries(t *testing.T) {
	headerAt := func(height uint64) (hash.Hash, bool) {
		return hash.Leaf([]byte{byte(height), byte(height >> 8)}), true
	}
	locator := p2p.BuildLocator(1<<20, headerAt)
	require.LessOrEqual(t, len(locator), p2p.MaxLocatorHashes)
}

func TestBuildCompactBlockSplitsKnownFromFull(t *testing.T) {
	known := core.Kernel{Excess: core.Commitment{0x01}}
	unknown := core.Kernel{Excess: core.Commitment{0x02}}
	blk := &core.Block{
		Header: &core.BlockHeader{Height: 7},
		Body:   core.TxBody{Kernels: []core.Kernel{known, unknown}},
	}

	cb := p2p.BuildCompactBlock(blk, 42, map[core.Commitment]bool{known.Excess: true})

	require.Equal(t, p2p.MsgCompactBlock, cb.Type)
	require.Len(t, cb.KernIDs, 1)
	require.Equal(t, []core.Kernel{unknown}, cb.KernFull)

	key := p2p.ShortIDKey(blk.Header.Hash(), 42)
	require.Equal(t, p2p.KernelShortID(key, known.Excess), cb.KernIDs[0])
}

func TestShortIDKeyDependsOnNonce(t *testing.T) {
	h := hash.Leaf([]byte("header"))
	k1 := p2p.ShortIDKey(h, 1)
	k2 := p2p.ShortIDKey(h, 2)
	require.NotEqual(t, k1, k2)
}

func TestGetOutputSegmentRoundTrip(t *testing.T) {
	blockHash := hash.Leaf([]byte("block"))
	id := pibd.SegmentID{Height: 2, Idx: 3}

	msg := p2p.NewGetOutputSegment(blockHash, id)
	require.Equal(t, p2p.MsgGetOutputSegment, msg.Type)
	require.NotEqual(t, uuid.Nil, msg.RequestID)

	b, err := p2p.Encode(msg)
	require.NoError(t, err)

	var out p2p.GetOutputSegmentMsg
	require.NoError(t, p2p.Decode(b, &out))
	require.Equal(t, msg.RequestID, out.RequestID)
	require.Equal(t, blockHash, out.BlockHash)
	require.Equal(t, id, out.SegmentID)
}

func TestSegmentResponseEchoesRequestID(t *testing.T) {
	reqID := uuid.New()
	seg := &pibd.Segment{Kind: pibd.KindKernel, ID: pibd.SegmentID{Height: 1, Idx: 0}}

	msg := p2p.NewKernelSegmentMsg(reqID, seg)
	require.Equal(t, reqID, msg.RequestID)
	require.Equal(t, seg, msg.Segment)
}

func TestPeekTypeOnTruncatedDataFails(t *testing.T) {
	_, err := p2p.PeekType([]byte{0xff})
	require.Error(t, err)
}
