package mmr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/ulogger"
)

func newTestBackend(t *testing.T, prunable bool) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := New(ulogger.New("test", ulogger.WithPretty(false)), dir, prunable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func appendLeaf(t *testing.T, b *Backend, data []byte) uint64 {
	t.Helper()
	pos, err := b.Append(hash.Leaf(data), data)
	require.NoError(t, err)
	return pos
}

func TestAppendAndRoot(t *testing.T) {
	b := newTestBackend(t, true)
	p := New(b)
	require.True(t, p.Size() == 0)

	root, err := p.Root()
	require.NoError(t, err)
	assert.Equal(t, hash.ZeroHash, root)

	for i := 0; i < 7; i++ {
		appendLeaf(t, b, []byte{byte(i)})
	}

	p2 := New(b)
	root2, err := p2.Root()
	require.NoError(t, err)
	assert.NotEqual(t, hash.ZeroHash, root2)
}

func TestMerkleProofRoundTrip(t *testing.T) {
	b := newTestBackend(t, true)
	var leafData [][]byte
	var leafPos []uint64
	for i := 0; i < 11; i++ {
		d := []byte{byte(i), byte(i * 3)}
		leafData = append(leafData, d)
		leafPos = append(leafPos, appendLeaf(t, b, d))
	}

	p := New(b)
	root, err := p.Root()
	require.NoError(t, err)

	for i, pos := range leafPos {
		proof, err := p.MerkleProof(pos)
		require.NoError(t, err)
		ok := proof.Verify(hash.Leaf(leafData[i]), root)
		assert.True(t, ok, "proof for leaf %d failed to verify", i)
	}
}

func TestPruneThenGetData(t *testing.T) {
	b := newTestBackend(t, true)
	pos := appendLeaf(t, b, []byte("x"))
	appendLeaf(t, b, []byte("y"))

	_, ok, err := b.GetData(pos)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Prune(pos))

	_, ok, err = b.GetData(pos)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, b.Prune(pos))
}

func TestRewindReinstatesLeafSet(t *testing.T) {
	b := newTestBackend(t, true)
	positions := make([]uint64, 0, 5)
	for i := 0; i < 5; i++ {
		positions = append(positions, appendLeaf(t, b, []byte{byte(i)}))
	}
	sizeBefore := b.Size()

	require.NoError(t, b.Prune(positions[0]))
	_, ok, _ := b.GetData(positions[0])
	require.False(t, ok)

	dead := b.DeadLeafIndices(0, 1)
	require.NoError(t, b.Rewind(sizeBefore, dead))

	_, ok, err := b.GetData(positions[0])
	require.NoError(t, err)
	assert.True(t, ok, "rewind should reinstate the pruned leaf")
}
