package p2p

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"

	"github.com/mw-labs/mwnode/chain"
	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/chainstore"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/pibd"
	"github.com/mw-labs/mwnode/pool"
	"github.com/mw-labs/mwnode/txhashset"
	"github.com/mw-labs/mwnode/ulogger"
	"github.com/mw-labs/mwnode/utxo"
)

// nrdBatch bridges a *chainstore.Batch's three-return PeekNRD to the
// pool package's narrower NRDIndex interface, the same adapter-over-store
// role the teacher plays between its service layer and its repository
// interfaces.
type nrdBatch struct{ batch *chainstore.Batch }

func (n nrdBatch) PeekNRD(excess core.Commitment) (pos, height uint64, found bool, err error) {
	op, ok, err := n.batch.PeekNRD(excess)
	if err != nil {
		return 0, 0, false, err
	}
	return op.Pos, op.Height, ok, nil
}

// Adapter is the narrow, synchronous entry point §9 describes: "the core
// takes synchronous handle_* calls and produces synchronous responses or
// errors; any implementation may supply its own scheduling, retry and
// concurrency policy." It wraps the block pipeline, the tx pool/Dandelion
// state machine and the PIBD segmenter/desegmenter, translating §6's wire
// messages into calls against them. Peer discovery, transport, framing and
// retry are the caller's concern; this type never dials or listens.
type Adapter struct {
	mu sync.Mutex

	logger ulogger.Logger
	params *chaincfg.Params

	pipeline  *chain.Pipeline
	ths       *txhashset.TxHashSet
	pool      *pool.Pool
	dandelion *pool.Dandelion
	segmenter *pibd.Segmenter

	sandboxDir string // scratch directory new Desegmenter sandboxes are opened under
	syncs      map[hash.Hash]*pibd.Desegmenter
}

// NewAdapter wires an Adapter over already-constructed components; a
// composition root is expected to have opened the store, txhashset,
// pipeline, pool, Dandelion relay and segmenter before reaching this call.
func NewAdapter(logger ulogger.Logger, params *chaincfg.Params, pipeline *chain.Pipeline, ths *txhashset.TxHashSet, p *pool.Pool, dandelion *pool.Dandelion, segmenter *pibd.Segmenter, sandboxDir string) *Adapter {
	return &Adapter{
		logger:     logger,
		params:     params,
		pipeline:   pipeline,
		ths:        ths,
		pool:       p,
		dandelion:  dandelion,
		segmenter:  segmenter,
		sandboxDir: sandboxDir,
		syncs:      make(map[hash.Hash]*pibd.Desegmenter),
	}
}

func (a *Adapter) headBatch() (*chainstore.Batch, error) {
	return a.pipeline.Store().View()
}

// headHeader returns the current best chain tip's header, used to answer
// Ping and to compute the next block height new pool admissions validate
// against.
func (a *Adapter) headHeader() (*core.BlockHeader, error) {
	batch, err := a.headBatch()
	if err != nil {
		return nil, err
	}
	defer batch.Rollback()

	hh, ok, err := batch.Head()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ERR_NOT_FOUND, "no chain head set")
	}
	header, ok, err := batch.GetHeader(hh)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ERR_NOT_FOUND, "head header %s missing from store", hh)
	}
	return header, nil
}

func (a *Adapter) headerByHash(h hash.Hash) (*core.BlockHeader, error) {
	batch, err := a.headBatch()
	if err != nil {
		return nil, err
	}
	defer batch.Rollback()

	header, ok, err := batch.GetHeader(h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ERR_NOT_FOUND, "header %s not found", h)
	}
	return header, nil
}

// HandlePing answers a peer's liveness/sync-state heartbeat with this
// node's own (§6).
func (a *Adapter) HandlePing(msg PingMsg) (PongMsg, error) {
	header, err := a.headHeader()
	if err != nil {
		return PongMsg{}, err
	}
	return NewPong(header.TotalDifficulty, header.Height), nil
}

// HandleGetHeaders walks forward from the best common ancestor the
// locator establishes, returning up to MaxHeadersPerResponse headers of
// the local best chain (§6).
func (a *Adapter) HandleGetHeaders(msg GetHeadersMsg) (HeadersMsg, error) {
	header, err := a.headHeader()
	if err != nil {
		return HeadersMsg{}, err
	}

	wanted := make(map[hash.Hash]bool, len(msg.Locator))
	for _, h := range msg.Locator {
		wanted[h] = true
	}

	start := uint64(0)
	for height := header.Height; ; height-- {
		h, ok, err := a.pipeline.HeaderAt(height)
		if err != nil {
			return HeadersMsg{}, err
		}
		if ok && wanted[h.Hash()] {
			start = height + 1
			break
		}
		if height == 0 {
			break
		}
	}

	var headers []*core.BlockHeader
	for height := start; len(headers) < MaxHeadersPerResponse; height++ {
		h, ok, err := a.pipeline.HeaderAt(height)
		if err != nil {
			return HeadersMsg{}, err
		}
		if !ok {
			break
		}
		headers = append(headers, h)
	}
	return HeadersMsg{Type: MsgHeaders, Headers: headers}, nil
}


// HandleGetBlock answers a full-block request by hash (§6).
func (a *Adapter) HandleGetBlock(msg GetBlockMsg) (BlockMsg, error) {
	batch, err := a.headBatch()
	if err != nil {
		return BlockMsg{}, err
	}
	defer batch.Rollback()

	blk, ok, err := batch.GetBlock(msg.Hash, a.pipeline.WireVersion())
	if err != nil {
		return BlockMsg{}, err
	}
	if !ok {
		return BlockMsg{}, errors.New(errors.ERR_NOT_FOUND, "block %s not found", msg.Hash)
	}
	return BlockMsg{Type: MsgBlock, Block: blk}, nil
}

// HandleBlock feeds an announced or fetched block through the block
// acceptance pipeline (§4.5).
func (a *Adapter) HandleBlock(msg BlockMsg, opts chain.Options) (chain.Result, error) {
	return a.pipeline.ProcessBlock(msg.Block, opts)
}

// HandleGetCompactBlock answers with the compact form of a locally-known
// block, marking every kernel this node's own mempool already holds as a
// short id (§6).
func (a *Adapter) HandleGetCompactBlock(msg GetCompactBlockMsg, nonce uint64) (CompactBlockMsg, error) {
	batch, err := a.headBatch()
	if err != nil {
		return CompactBlockMsg{}, err
	}
	defer batch.Rollback()

	blk, ok, err := batch.GetBlock(msg.Hash, a.pipeline.WireVersion())
	if err != nil {
		return CompactBlockMsg{}, err
	}
	if !ok {
		return CompactBlockMsg{}, errors.New(errors.ERR_NOT_FOUND, "block %s not found", msg.Hash)
	}

	known := make(map[core.Commitment]bool)
	for _, e := range a.pool.MempoolEntries() {
		for _, excess := range e.KernelExcesses {
			known[excess] = true
		}
	}
	return BuildCompactBlock(blk, nonce, known), nil
}

// HandleCompactBlock attempts to reconstruct a full block from a compact
// announcement using this node's own mempool, matching the teacher's
// fast-path/slow-path split: ok reports whether every short id resolved,
// in which case blk is the fully reconstructed block; otherwise the caller
// should fall back to GetBlock (§6).
func (a *Adapter) HandleCompactBlock(msg CompactBlockMsg) (blk *core.Block, ok bool, err error) {
	key := ShortIDKey(msg.Header.Hash(), msg.Nonce)

	bySid := make(map[ShortID]*pool.Entry)
	for _, e := range a.pool.MempoolEntries() {
		for _, excess := range e.KernelExcesses {
			bySid[KernelShortID(key, excess)] = e
		}
	}

	matched := make(map[core.Commitment]*pool.Entry)
	for _, sid := range msg.KernIDs {
		e, found := bySid[sid]
		if !found {
			return nil, false, nil
		}
		matched[firstExcess(e)] = e
	}

	var inputs []core.Input
	kernels := append([]core.Kernel(nil), msg.KernFull...)
	for _, e := range matched {
		kernels = append(kernels, e.Tx.Body.Kernels...)
		inputs = append(inputs, e.Tx.Body.Inputs...)
	}

	body := core.TxBody{Inputs: inputs, Outputs: msg.OutFull, Kernels: kernels}
	body.Sort()

	return &core.Block{Header: msg.Header, Body: body, Offset: msg.Offset}, true, nil
}

func firstExcess(e *pool.Entry) core.Commitment {
	if len(e.KernelExcesses) == 0 {
		return core.Commitment{}
	}
	return e.KernelExcesses[0]
}

// HandleTransaction admits a fluffed transaction directly into the
// mempool (§4.7).
func (a *Adapter) HandleTransaction(msg TransactionMsg) error {
	return a.admit(msg.Tx, pool.SrcFluff)
}

// HandleStemTransaction routes a stem-phase transaction through Dandelion,
// which either continues relaying it or falls back to fluffing it locally
// (§4.7).
func (a *Adapter) HandleStemTransaction(ctx context.Context, msg StemTransactionMsg) error {
	batch, err := a.headBatch()
	if err != nil {
		return err
	}
	defer batch.Rollback()

	header, err := a.headHeader()
	if err != nil {
		return err
	}

	view := utxo.New(a.ths, a.params)
	return a.dandelion.Submit(ctx, view, nrdBatch{batch}, header.Height+1, msg.Tx)
}

func (a *Adapter) admit(tx *core.Transaction, src pool.Src) error {
	batch, err := a.headBatch()
	if err != nil {
		return err
	}
	defer batch.Rollback()

	header, err := a.headHeader()
	if err != nil {
		return err
	}

	view := utxo.New(a.ths, a.params)
	return a.pool.AdmitFluff(view, nrdBatch{batch}, header.Height+1, src, tx)
}

// HandleTransactionKernel looks up whether this node already holds the
// announced transaction; missing reports true when the caller should
// follow up with a GetTransactionMsg (§6).
func (a *Adapter) HandleTransactionKernel(msg TransactionKernelMsg) (missing bool) {
	for _, e := range a.pool.MempoolEntries() {
		for _, k := range e.Tx.Body.Kernels {
			if kernelHash(k) == msg.KernelHash {
				return false
			}
		}
	}
	return true
}

// HandleGetTransaction answers a transaction request by kernel hash from
// this node's mempool.
func (a *Adapter) HandleGetTransaction(msg GetTransactionMsg) (TransactionMsg, error) {
	for _, e := range a.pool.MempoolEntries() {
		for _, k := range e.Tx.Body.Kernels {
			if kernelHash(k) == msg.KernelHash {
				return TransactionMsg{Type: MsgTransaction, Tx: e.Tx}, nil
			}
		}
	}
	return TransactionMsg{}, errors.New(errors.ERR_NOT_FOUND, "kernel %s not in mempool", msg.KernelHash)
}

func kernelHash(k core.Kernel) hash.Hash {
	return hash.Leaf(k.HashBytes())
}

// HandleTxHashSetRequest builds a full archive zip of the requested
// header's bound txhashset state, returning the announcement envelope and
// a reader of the zip bytes the caller streams as the separate attachment
// §6 describes.
func (a *Adapter) HandleTxHashSetRequest(msg TxHashSetRequestMsg) (TxHashSetArchiveMsg, io.Reader, error) {
	var buf bytes.Buffer
	if err := a.ths.Archive(&buf, msg.Hash); err != nil {
		return TxHashSetArchiveMsg{}, nil, err
	}
	return TxHashSetArchiveMsg{
		Type:     MsgTxHashSetArchive,
		Hash:     msg.Hash,
		Height:   msg.Height,
		NumBytes: uint64(buf.Len()),
	}, &buf, nil
}

// HandleGetOutputBitmapSegment, HandleGetOutputSegment,
// HandleGetRangeProofSegment and HandleGetKernelSegment answer a PIBD
// segment request against the archive header named by BlockHash (§4.8).

func (a *Adapter) HandleGetOutputBitmapSegment(msg GetOutputBitmapSegmentMsg) (OutputBitmapSegmentMsg, error) {
	seg, err := a.buildSegment(msg.BlockHash, pibd.KindBitmap, msg.SegmentID)
	if err != nil {
		return OutputBitmapSegmentMsg{}, err
	}
	return NewOutputBitmapSegmentMsg(msg.RequestID, seg), nil
}

func (a *Adapter) HandleGetOutputSegment(msg GetOutputSegmentMsg) (OutputSegmentMsg, error) {
	seg, err := a.buildSegment(msg.BlockHash, pibd.KindOutput, msg.SegmentID)
	if err != nil {
		return OutputSegmentMsg{}, err
	}
	return NewOutputSegmentMsg(msg.RequestID, seg), nil
}

func (a *Adapter) HandleGetRangeProofSegment(msg GetRangeProofSegmentMsg) (RangeProofSegmentMsg, error) {
	seg, err := a.buildSegment(msg.BlockHash, pibd.KindRangeProof, msg.SegmentID)
	if err != nil {
		return RangeProofSegmentMsg{}, err
	}
	return NewRangeProofSegmentMsg(msg.RequestID, seg), nil
}

func (a *Adapter) HandleGetKernelSegment(msg GetKernelSegmentMsg) (KernelSegmentMsg, error) {
	seg, err := a.buildSegment(msg.BlockHash, pibd.KindKernel, msg.SegmentID)
	if err != nil {
		return KernelSegmentMsg{}, err
	}
	return NewKernelSegmentMsg(msg.RequestID, seg), nil
}

func (a *Adapter) buildSegment(blockHash hash.Hash, kind pibd.MMRKind, id pibd.SegmentID) (*pibd.Segment, error) {
	header, err := a.headerByHash(blockHash)
	if err != nil {
		return nil, err
	}
	return a.segmenter.BuildSegment(blockHash, header.Height, kind, id)
}

// StartSync opens a fresh PIBD client session against header, returning
// the segment plan the caller should now fetch from peers via
// NewGetOutputSegment/NewGetOutputBitmapSegment/NewGetRangeProofSegment/
// NewGetKernelSegment (§4.8).
func (a *Adapter) StartSync(header *core.BlockHeader, headHash hash.Hash) ([]pibd.PlanItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.syncs[headHash]; exists {
		return nil, errors.New(errors.ERR_INVALID_ARGUMENT, "sync already in progress for %s", headHash)
	}

	dir := filepath.Join(a.sandboxDir, headHash.String())
	d, err := pibd.NewDesegmenter(a.logger.New("pibd-sync"), a.params, header, headHash, dir)
	if err != nil {
		return nil, err
	}
	a.syncs[headHash] = d
	return d.Outstanding(), nil
}

// AbandonSync releases a sync session's sandbox without finalizing it.
func (a *Adapter) AbandonSync(headHash hash.Hash) error {
	a.mu.Lock()
	d, ok := a.syncs[headHash]
	delete(a.syncs, headHash)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return d.Close()
}

// HandleOutputBitmapSegment, HandleOutputSegment, HandleRangeProofSegment
// and HandleKernelSegment install a peer's segment response into the
// matching active sync session, reporting whether the session's plan is
// now fully satisfied.

func (a *Adapter) HandleOutputBitmapSegment(headHash hash.Hash, item pibd.PlanItem, msg OutputBitmapSegmentMsg) (done bool, err error) {
	return a.installSegment(headHash, item, msg.Segment)
}

func (a *Adapter) HandleOutputSegment(headHash hash.Hash, item pibd.PlanItem, msg OutputSegmentMsg) (done bool, err error) {
	return a.installSegment(headHash, item, msg.Segment)
}

func (a *Adapter) HandleRangeProofSegment(headHash hash.Hash, item pibd.PlanItem, msg RangeProofSegmentMsg) (done bool, err error) {
	return a.installSegment(headHash, item, msg.Segment)
}

func (a *Adapter) HandleKernelSegment(headHash hash.Hash, item pibd.PlanItem, msg KernelSegmentMsg) (done bool, err error) {
	return a.installSegment(headHash, item, msg.Segment)
}

func (a *Adapter) installSegment(headHash hash.Hash, item pibd.PlanItem, seg *pibd.Segment) (bool, error) {
	a.mu.Lock()
	d, ok := a.syncs[headHash]
	a.mu.Unlock()
	if !ok {
		return false, errors.New(errors.ERR_INVALID_ARGUMENT, "no sync session for %s", headHash)
	}
	if err := d.ApplySegment(item, seg); err != nil {
		return false, err
	}
	return d.Done(), nil
}

// FinalizeSync completes a fully-satisfied sync session: it rebuilds the
// derived indices, persists the PIBD head and hands back the reassembled
// bundle for the caller to atomically swap in as the node's live txhashset
// (§4.8). The session is removed regardless of outcome.
func (a *Adapter) FinalizeSync(headHash hash.Hash, batch *chainstore.Batch) (*txhashset.TxHashSet, error) {
	a.mu.Lock()
	d, ok := a.syncs[headHash]
	delete(a.syncs, headHash)
	a.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.ERR_INVALID_ARGUMENT, "no sync session for %s", headHash)
	}
	return d.Finalize(batch)
}
