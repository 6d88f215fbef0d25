package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/mmr"
	"github.com/mw-labs/mwnode/ulogger"
)

func newTestAccumulator(t *testing.T) *Accumulator {
	t.Helper()
	b, err := mmr.New(ulogger.New("test", ulogger.WithPretty(false)), t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return New(b)
}

func TestAccumulatorRootMatchesRebuild(t *testing.T) {
	acc := newTestAccumulator(t)

	for i := uint64(0); i < 3000; i++ {
		acc.Set(i, i%3 != 0)
	}
	require.NoError(t, acc.Apply([]uint64{0, 1, 2, 1500, 2999}))

	root, err := acc.Root()
	require.NoError(t, err)
	rebuilt, err := acc.RebuildRoot()
	require.NoError(t, err)

	assert.Equal(t, rebuilt, root)
}

func TestAccumulatorUpdateChangesRoot(t *testing.T) {
	acc := newTestAccumulator(t)
	for i := uint64(0); i < 10; i++ {
		acc.Set(i, true)
	}
	require.NoError(t, acc.Apply([]uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	root1, err := acc.Root()
	require.NoError(t, err)

	acc.Set(5, false)
	require.NoError(t, acc.Apply([]uint64{5}))
	root2, err := acc.Root()
	require.NoError(t, err)

	assert.NotEqual(t, root1, root2)
}
