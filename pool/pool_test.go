package pool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/pool"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
	"github.com/mw-labs/mwnode/utxo"
)

// fakeNRDIndex never reports a prior admission, sufficient for tests that
// don't exercise NRD-conflict rejection.
type fakeNRDIndex struct{}

func (fakeNRDIndex) PeekNRD(excess core.Commitment) (uint64, uint64, bool, error) {
	return 0, 0, false, nil
}

func newTestPool(t *testing.T) (*pool.Pool, *utxo.View, *chaincfg.Params) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "txhashset")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	logger := ulogger.New("test")
	ths, err := txhashset.Open(logger, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ths.Close() })

	storeDir := filepath.Join(t.TempDir(), "chainstore.db")
	store, err := chainstore.New(logger, storeDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	batch, err := store.Begin()
	require.NoError(t, err)

	params := chaincfg.TestNetParams

	out := core.Output{
		Features: core.OutputPlain,
		Commit:   commit(42),
	}
	blk := &core.Block{
		Header: &core.BlockHeader{Height: 1},
		Body: core.TxBody{Outputs: []core.Output{
			out,
			{Features: core.OutputPlain, Commit: commit(44)},
			{Features: core.OutputPlain, Commit: commit(45)},
		}},
	}

	require.NoError(t, txhashset.Extending(ths, batch, fakeVerifier{}, &params, func(ext *txhashset.Extension) error {
		return ext.ApplyBlock(blk)
	}))
	require.NoError(t, batch.Commit())

	view := utxo.New(ths, &params)
	poolSettings := settings.PoolSettings{MaxMempoolSize: 2, MaxStempoolSize: 2}
	p := pool.New(logger, &params, &poolSettings, fakeVerifier{})

	return p, view, &params
}

func kernelTx(in core.Commitment, out core.Commitment, excess core.Commitment, fee uint64) *core.Transaction {
	ff, err := core.NewFeeFields(fee, 0)
	if err != nil {
		panic(err)
	}
	return &core.Transaction{
		Body: core.TxBody{
			Inputs:  []core.Input{{Commit: in}},
			Outputs: []core.Output{{Features: core.OutputPlain, Commit: out}},
			Kernels: []core.Kernel{{
				Features: core.PlainFeatures(ff),
				Excess:   excess,
			}},
		},
	}
}

func TestAdmitFluffAcceptsSpendingResolvedOutput(t *testing.T) {
	p, view, _ := newTestPool(t)

	tx := kernelTx(commit(42), commit(43), commit(60), 10)

	err := p.AdmitFluff(view, fakeNRDIndex{}, 2, pool.SrcLocal, tx)
	require.NoError(t, err)

	entries := p.MempoolEntries()
	require.Len(t, entries, 1)
	require.Equal(t, commit(60), entries[0].Tx.Body.Kernels[0].Excess)
}

func TestAdmitFluffRejectsUnresolvedInput(t *testing.T) {
	p, view, _ := newTestPool(t)

	tx := kernelTx(commit(99), commit(43), commit(61), 10)

	err := p.AdmitFluff(view, fakeNRDIndex{}, 2, pool.SrcLocal, tx)
	require.Error(t, err)
	require.Empty(t, p.MempoolEntries())
}

func TestMempoolEvictsLowestFeeRateOnOverflow(t *testing.T) {
	p, view, _ := newTestPool(t)

	low := kernelTx(commit(42), commit(50), commit(70), 1)
	require.NoError(t, p.AdmitFluff(view, fakeNRDIndex{}, 2, pool.SrcLocal, low))

	mid := kernelTx(commit(44), commit(51), commit(71), 50)
	require.NoError(t, p.AdmitFluff(view, fakeNRDIndex{}, 2, pool.SrcLocal, mid))

	high := kernelTx(commit(45), commit(52), commit(72), 500)
	require.NoError(t, p.AdmitFluff(view, fakeNRDIndex{}, 2, pool.SrcLocal, high))

	entries := p.MempoolEntries()
	require.Len(t, entries, 2)
	require.Equal(t, commit(72), entries[0].Tx.Body.Kernels[0].Excess)
	require.Equal(t, commit(71), entries[1].Tx.Body.Kernels[0].Excess)
}

func TestRemoveMinedDropsMatchingEntries(t *testing.T) {
	p, view, _ := newTestPool(t)

	tx := kernelTx(commit(42), commit(43), commit(80), 10)
	require.NoError(t, p.AdmitFluff(view, fakeNRDIndex{}, 2, pool.SrcLocal, tx))
	require.Len(t, p.MempoolEntries(), 1)

	p.RemoveMined(map[core.Commitment]struct{}{commit(80): {}})
	require.Empty(t, p.MempoolEntries())
}
