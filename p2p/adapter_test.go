package p2p_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/chain"
	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/p2p"
	"github.com/mw-labs/mwnode/pibd"
	"github.com/mw-labs/mwnode/pool"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
)

// fakeVerifier mirrors the chain/pool packages' own test stand-in: every
// crypto check passes so these tests exercise the adapter's dispatch and
// bookkeeping, not the external Pedersen/Bulletproof/Schnorr math.
type fakeVerifier struct{}

func (fakeVerifier) SumCommitments(positive, negative []core.Commitment) (core.Commitment, error) {
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

func (fakeVerifier) SumOffsets(positive, negative []core.Commitment) (core.Commitment, error) {
	return fakeVerifier{}.SumCommitments(positive, negative)
}

func (fakeVerifier) VerifyKernelSum(outputSum, inputSum, kernelExcessSum, offset core.Commitment, overage int64) error {
	return nil
}

func (fakeVerifier) VerifyRangeProofsBatch(outputs []core.Output) error { return nil }

func (fakeVerifier) VerifyKernelSignatures(kernels []core.Kernel, messages []hash.Hash) error {
	return nil
}

type fakeHeaderValidator struct{}

func (fakeHeaderValidator) ValidatePow(header *core.BlockHeader) error { return nil }
func (fakeHeaderValidator) ValidateDifficulty(header, prev *core.BlockHeader) error {
	return nil
}
func (fakeHeaderValidator) ValidateTimestamp(header, prev *core.BlockHeader) error { return nil }
func (fakeHeaderValidator) ValidateVersion(header *core.BlockHeader) error         { return nil }

func commit(b byte) core.Commitment {
	var c core.Commitment
	c[0] = b
	return c
}

// testNode bundles one fully wired node's worth of components, the way
// cmd/mwnode's composition root would, so adapter tests can dispatch
// against a real pipeline/pool/segmenter triple instead of mocks.
type testNode struct {
	params  chaincfg.Params
	store   *chainstore.Store
	ths     *txhashset.TxHashSet
	pipe    *chain.Pipeline
	pool    *pool.Pool
	segm    *pibd.Segmenter
	adapter *p2p.Adapter
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	logger := ulogger.New("test")
	params := chaincfg.TestNetParams

	thsDir := filepath.Join(t.TempDir(), "ths")
	require.NoError(t, os.MkdirAll(thsDir, 0o755))
	ths, err := txhashset.Open(logger, thsDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ths.Close() })

	storeDir := filepath.Join(t.TempDir(), "store.db")
	store, err := chainstore.New(logger, storeDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipe, err := chain.NewPipeline(logger, t.TempDir(), &params, store, ths, fakeVerifier{}, fakeHeaderValidator{})
	require.NoError(t, err)

	poolSettings := settings.PoolSettings{MaxMempoolSize: 10, MaxStempoolSize: 10}
	p := pool.New(logger, &params, &poolSettings, fakeVerifier{})

	segm := pibd.NewSegmenter(logger, &params, store, ths, fakeVerifier{})
	t.Cleanup(func() { segm.Stop() })

	adapter := p2p.NewAdapter(logger, &params, pipe, ths, p, nil, segm, t.TempDir())

	return &testNode{params: params, store: store, ths: ths, pipe: pipe, pool: p, segm: segm, adapter: adapter}
}

func genesisBody(outCommit core.Commitment) core.TxBody {
	return core.TxBody{
		Outputs: []core.Output{{Features: core.OutputCoinbase, Commit: outCommit}},
		Kernels: []core.Kernel{{Features: core.CoinbaseFeatures(), Excess: commit(200)}},
	}
}

// initGenesis applies a single genesis block with correctly computed
// roots directly against the node's own txhashset (mirroring the chain
// package's own chainBuilder), then seeds the pipeline with it.
func (n *testNode) initGenesis(t *testing.T) *core.Block {
	t.Helper()

	header := &core.BlockHeader{
		Version:   1,
		Height:    0,
		Previous:  hash.ZeroHash,
		Timestamp: 0,
	}
	blk := &core.Block{Header: header, Body: genesisBody(commit(1)), Offset: commit(100)}

	batch, err := n.store.Begin()
	require.NoError(t, err)
	require.NoError(t, txhashset.ExtendingReadonly(n.ths, batch, fakeVerifier{}, &n.params, func(ext *txhashset.Extension) error {
		return ext.ApplyBlock(blk)
	}))
	require.NoError(t, batch.Rollback())

	roots, err := n.ths.Roots()
	require.NoError(t, err)
	sizes := n.ths.Sizes()
	header.OutputRoot = roots.OutputRoot
	header.RangeProofRoot = roots.RangeProofRoot
	header.KernelRoot = roots.KernelRoot
	header.OutputMMRSize = sizes.OutputSize
	header.KernelMMRSize = sizes.KernelSize

	require.NoError(t, n.pipe.InitGenesis(blk))
	return blk
}

func TestHandlePingReportsChainTip(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	pong, err := n.adapter.HandlePing(p2p.NewPing(0, 0))
	require.NoError(t, err)
	require.Equal(t, genesis.Header.Height, pong.Height)
	require.Equal(t, genesis.Header.TotalDifficulty, pong.TotalDifficulty)
}

func TestHandleGetHeadersWalksForwardFromLocator(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	locator := []hash.Hash{genesis.Header.Hash()}
	resp, err := n.adapter.HandleGetHeaders(p2p.GetHeadersMsg{Type: p2p.MsgGetHeaders, Locator: locator})
	require.NoError(t, err)
	require.Len(t, resp.Headers, 1)
	require.Equal(t, genesis.Header.Hash(), resp.Headers[0].Hash())
}

func TestHandleGetHeadersUnknownLocatorReturnsFromGenesis(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	resp, err := n.adapter.HandleGetHeaders(p2p.GetHeadersMsg{Type: p2p.MsgGetHeaders, Locator: []hash.Hash{hash.Leaf([]byte("unknown"))}})
	require.NoError(t, err)
	require.Len(t, resp.Headers, 1)
	require.Equal(t, genesis.Header.Hash(), resp.Headers[0].Hash())
}

func TestHandleGetBlockReturnsStoredBlock(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	resp, err := n.adapter.HandleGetBlock(p2p.GetBlockMsg{Type: p2p.MsgGetBlock, Hash: genesis.Header.Hash()})
	require.NoError(t, err)
	require.Equal(t, genesis.Header.Hash(), resp.Block.Header.Hash())
}

func TestHandleGetBlockUnknownHashErrors(t *testing.T) {
	n := newTestNode(t)
	n.initGenesis(t)

	_, err := n.adapter.HandleGetBlock(p2p.GetBlockMsg{Type: p2p.MsgGetBlock, Hash: hash.Leaf([]byte("nope"))})
	require.Error(t, err)
}

func TestHandleCompactBlockReconstructsWithEmptyMempool(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	cb, err := n.adapter.HandleGetCompactBlock(p2p.GetCompactBlockMsg{Type: p2p.MsgGetCompactBlock, Hash: genesis.Header.Hash()}, 7)
	require.NoError(t, err)
	require.Empty(t, cb.KernIDs) // nothing in the (empty) mempool is known, so every kernel is sent in full
	require.Equal(t, genesis.Body.Kernels, cb.KernFull)

	reconstructed, ok, err := n.adapter.HandleCompactBlock(cb)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, genesis.Header.Hash(), reconstructed.Header.Hash())
	require.ElementsMatch(t, genesis.Body.Outputs, reconstructed.Body.Outputs)
	require.ElementsMatch(t, genesis.Body.Kernels, reconstructed.Body.Kernels)
}

func TestHandleCompactBlockReportsNotOkOnUnresolvedShortID(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	cb := p2p.BuildCompactBlock(genesis, 1, map[core.Commitment]bool{genesis.Body.Kernels[0].Excess: true})
	_, ok, err := n.adapter.HandleCompactBlock(cb)
	require.NoError(t, err)
	require.False(t, ok) // the claimed-known kernel isn't actually in this node's mempool
}

func TestHandleGetOutputSegmentUnknownBlockHashErrors(t *testing.T) {
	n := newTestNode(t)
	n.initGenesis(t)

	_, err := n.adapter.HandleGetOutputSegment(p2p.NewGetOutputSegment(hash.Leaf([]byte("nope")), pibd.SegmentID{Height: 11, Idx: 0}))
	require.Error(t, err)
}

func TestHandleTxHashSetRequestProducesNonEmptyArchive(t *testing.T) {
	n := newTestNode(t)
	genesis := n.initGenesis(t)

	announce, body, err := n.adapter.HandleTxHashSetRequest(p2p.TxHashSetRequestMsg{
		Type:   p2p.MsgTxHashSetRequest,
		Hash:   genesis.Header.Hash(),
		Height: genesis.Header.Height,
	})
	require.NoError(t, err)
	require.Equal(t, genesis.Header.Hash(), announce.Hash)
	require.Greater(t, announce.NumBytes, uint64(0))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(body)
	require.NoError(t, err)
	require.EqualValues(t, announce.NumBytes, buf.Len())
}
