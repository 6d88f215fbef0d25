package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/p2p"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/ulogger"
)

func testSettings(t *testing.T) *settings.Settings {
	t.Helper()
	s := settings.Defaults()
	s.Chain.DataDir = filepath.Join(t.TempDir(), "mwnode-data")
	params := chaincfg.TestNetParams
	s.Chain.Params = &params
	return s
}

func TestNewNodeSeedsGenesisOnce(t *testing.T) {
	s := testSettings(t)
	logger := ulogger.New("test")
	verifier, headerVal := externalCollaborators()

	node, err := NewNode(logger, s, verifier, headerVal)
	require.NoError(t, err)

	batch, err := node.store.View()
	require.NoError(t, err)
	headHash, ok, err := batch.Head()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, batch.Rollback())

	header, ok, err := node.pipeline.HeaderAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, headHash, header.Hash())
	require.Equal(t, uint64(0), header.Height)

	require.NoError(t, node.Close())

	// Reopening the same data dir must not re-seed genesis: the head
	// must still resolve to the same height-0 block.
	node2, err := NewNode(logger, s, verifier, headerVal)
	require.NoError(t, err)
	defer func() { require.NoError(t, node2.Close()) }()

	header2, ok, err := node2.pipeline.HeaderAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, header.Hash(), header2.Hash())
}

func TestNewNodeWiresAdapter(t *testing.T) {
	s := testSettings(t)
	logger := ulogger.New("test")
	verifier, headerVal := externalCollaborators()

	node, err := NewNode(logger, s, verifier, headerVal)
	require.NoError(t, err)
	defer func() { require.NoError(t, node.Close()) }()

	require.NotNil(t, node.Adapter)

	pong, err := node.Adapter.HandlePing(p2p.NewPing(0, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(0), pong.Height)
}
