package utxo_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
	"github.com/mw-labs/mwnode/utxo"
)

func newTestView(t *testing.T) (*utxo.View, *txhashset.TxHashSet) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "txhashset")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	logger := ulogger.New("test")
	ths, err := txhashset.Open(logger, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ths.Close() })

	params := chaincfg.TestNetParams
	return utxo.New(ths, &params), ths
}

func TestResolveInputUnknownCommitment(t *testing.T) {
	v, _ := newTestView(t)
	var commit core.Commitment
	commit[0] = 0xAB

	_, err := v.ResolveInput(commit)
	require.Error(t, err)
	require.False(t, v.IsUnspent(commit))
}

func TestCheckMatureCoinbase(t *testing.T) {
	v, _ := newTestView(t)

	require.NoError(t, v.CheckMature(core.OutputPlain, 5, 5))

	err := v.CheckMature(core.OutputCoinbase, 5, 5)
	require.Error(t, err)

	require.NoError(t, v.CheckMature(core.OutputCoinbase, 5, 5+chaincfg.TestNetParams.CoinbaseMaturity))
}
