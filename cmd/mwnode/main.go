// Command mwnode is the thin composition root that wires the chain state
// engine's packages together into a runnable node, the way the teacher's
// per-service cmd/<svc>/<svc>/Start.go wires a service's stores, clients
// and handlers before serving. It owns no consensus logic of its own: it
// opens the chain store and txhashset, constructs the block pipeline, the
// tx pool and Dandelion state machine, and the PIBD segmenter, then hands
// them all to a p2p.Adapter. The RPC/REST/CLI surface a real deployment
// would drive this through is out of scope (§1); this binary only proves
// the wiring and seeds a genesis block.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mw-labs/mwnode/chain"
	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/p2p"
	"github.com/mw-labs/mwnode/pibd"
	"github.com/mw-labs/mwnode/pool"
	"github.com/mw-labs/mwnode/settings"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
)

// Name used by build scripts for the binary.
const progname = "mwnode"

var version string
var commit string

// Node is the composition root: every package's top-level handle, wired
// together and ready for an external transport/API layer to drive through
// its p2p.Adapter.
type Node struct {
	logger ulogger.Logger
	params *chaincfg.Params

	store *chainstore.Store
	ths   *txhashset.TxHashSet

	pipeline  *chain.Pipeline
	pool      *pool.Pool
	relay     *pool.Relay
	dandelion *pool.Dandelion
	segmenter *pibd.Segmenter

	Adapter *p2p.Adapter
}

// NewNode opens every on-disk component under s.Chain.DataDir and wires
// them into a Node. verifier and headerVal are the crypto/PoW
// collaborators §1 names but leaves external (Pedersen/Bulletproof/
// Schnorr arithmetic and proof-of-work respectively); callers supply the
// real EC-backed implementations, this package only knows the interfaces
// txhashset.Verifier and chain.HeaderValidator.
func NewNode(logger ulogger.Logger, s *settings.Settings, verifier txhashset.Verifier, headerVal chain.HeaderValidator) (*Node, error) {
	params := s.Chain.Params

	if err := os.MkdirAll(s.Chain.DataDir, 0o755); err != nil {
		return nil, errors.New(errors.ERR_STORE, "create data dir %s", s.Chain.DataDir, err)
	}

	store, err := chainstore.New(logger.New("chainstore"), filepath.Join(s.Chain.DataDir, "chain.db"))
	if err != nil {
		return nil, err
	}

	thsDir := filepath.Join(s.Chain.DataDir, "txhashset")
	if err := os.MkdirAll(thsDir, 0o755); err != nil {
		_ = store.Close()
		return nil, errors.New(errors.ERR_STORE, "create txhashset dir %s", thsDir, err)
	}
	ths, err := txhashset.Open(logger.New("txhashset"), thsDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	pipeline, err := chain.NewPipeline(logger.New("chain"), s.Chain.DataDir, params, store, ths, verifier, headerVal)
	if err != nil {
		_ = ths.Close()
		_ = store.Close()
		return nil, err
	}

	if err := seedGenesisIfEmpty(pipeline, store, params); err != nil {
		_ = ths.Close()
		_ = store.Close()
		return nil, err
	}

	txPool := pool.New(logger.New("pool"), params, &s.Pool, verifier)
	relay := pool.NewRelay(logger.New("relay"), &s.P2P)
	dandelion := pool.NewDandelion(logger.New("dandelion"), txPool, relay, &s.Pool, nil)
	segmenter := pibd.NewSegmenter(logger.New("pibd"), params, store, ths, verifier)

	sandboxDir := filepath.Join(s.Chain.DataDir, "tmp")
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		_ = ths.Close()
		_ = store.Close()
		return nil, errors.New(errors.ERR_STORE, "create pibd sandbox dir %s", sandboxDir, err)
	}

	adapter := p2p.NewAdapter(logger.New("p2p"), params, pipeline, ths, txPool, dandelion, segmenter, sandboxDir)

	return &Node{
		logger:    logger,
		params:    params,
		store:     store,
		ths:       ths,
		pipeline:  pipeline,
		pool:      txPool,
		relay:     relay,
		dandelion: dandelion,
		segmenter: segmenter,
		Adapter:   adapter,
	}, nil
}

// seedGenesisIfEmpty writes the zero-prev genesis block (§3 Lifecycle)
// exactly once, when the store has no committed head yet.
func seedGenesisIfEmpty(pipeline *chain.Pipeline, store *chainstore.Store, params *chaincfg.Params) error {
	batch, err := store.View()
	if err != nil {
		return err
	}
	_, hasHead, err := batch.Head()
	_ = batch.Rollback()
	if err != nil {
		return err
	}
	if hasHead {
		return nil
	}
	return pipeline.InitGenesis(genesisBlock())
}

// genesisBlock is the network's height-0 block: an empty body (no
// outputs, no kernels to sum, no fee-bearing coinbase in this minimal
// seed) and a zero PrevRoot, per §3 Lifecycle "written once at init with
// a zero-prev header root."
func genesisBlock() *core.Block {
	header := &core.BlockHeader{
		Version:   1,
		Height:    0,
		Timestamp: genesisTimestamp,
	}
	return &core.Block{Header: header, Body: core.TxBody{}}
}

// genesisTimestamp is a fixed Unix seconds value (2026-01-01T00:00:00Z),
// kept constant rather than sampled at startup so repeated InitGenesis
// calls against a fresh data dir always hash to the same genesis.
const genesisTimestamp int64 = 1767225600

// Close releases every on-disk handle the Node opened.
func (n *Node) Close() error {
	n.segmenter.Stop()
	if err := n.ths.Close(); err != nil {
		_ = n.store.Close()
		return err
	}
	return n.store.Close()
}

func main() {
	logger := ulogger.New(progname)
	logger.Infof("%s starting (version=%s commit=%s)", progname, version, commit)

	s := settings.FromEnv()

	verifier, headerVal := externalCollaborators()

	node, err := NewNode(logger, s, verifier, headerVal)
	if err != nil {
		logger.Fatalf("failed to wire node: %v", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Errorf("error closing node: %v", err)
		}
	}()

	logger.Infof("node ready at %s, waiting for an external transport/API layer to drive p2p.Adapter", s.Chain.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infof("%s shutting down", progname)
}
