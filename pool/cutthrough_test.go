package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/pool"
)

func commit(b byte) core.Commitment {
	var c core.Commitment
	c[0] = b
	return c
}

func TestCutThroughRemovesMatchingPairs(t *testing.T) {
	inputs := []core.Input{{Commit: commit(1)}, {Commit: commit(2)}, {Commit: commit(3)}}
	outputs := []core.Output{{Commit: commit(2)}, {Commit: commit(4)}}

	keptIn, keptOut, removedIn, removedOut := pool.CutThrough(inputs, outputs)

	require.Len(t, removedIn, 1)
	require.Equal(t, commit(2), removedIn[0].Commit)
	require.Len(t, removedOut, 1)
	require.Equal(t, commit(2), removedOut[0].Commit)

	require.Len(t, keptIn, 2)
	require.Len(t, keptOut, 1)
	require.True(t, pool.NoDuplicateInputs(keptIn))
	require.True(t, pool.NoDuplicateOutputs(keptOut))
}

func TestCutThroughNoOverlapKeepsEverything(t *testing.T) {
	inputs := []core.Input{{Commit: commit(1)}}
	outputs := []core.Output{{Commit: commit(2)}}

	keptIn, keptOut, removedIn, removedOut := pool.CutThrough(inputs, outputs)

	require.Len(t, keptIn, 1)
	require.Len(t, keptOut, 1)
	require.Empty(t, removedIn)
	require.Empty(t, removedOut)
}
