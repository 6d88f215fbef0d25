// Package p2p defines the peer protocol payload shapes of §6 and a narrow
// Adapter interface the core's synchronous handle_* calls are reached
// through. The on-wire framing, peer discovery and transport themselves
// are external collaborators per §1/§9 ("the core takes synchronous
// handle_* calls and produces synchronous responses ... any implementation
// may supply its own scheduling"); this package only owns the message
// shapes and their encoding.
package p2p

import (
	"bytes"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/pibd"
)

// MessageType discriminates the payload shapes of §6, carried as the first
// CBOR-map key of every message so a dispatcher can decode only the
// discriminant before committing to a full payload type.
type MessageType uint8

const (
	MsgPing MessageType = iota + 1
	MsgPong
	MsgGetHeaders
	MsgHeaders
	MsgGetBlock
	MsgBlock
	MsgGetCompactBlock
	MsgCompactBlock
	MsgTransaction
	MsgStemTransaction
	MsgTransactionKernel
	MsgGetTransaction
	MsgTxHashSetRequest
	MsgTxHashSetArchive
	MsgGetOutputBitmapSegment
	MsgOutputBitmapSegment
	MsgGetOutputSegment
	MsgOutputSegment
	MsgGetRangeProofSegment
	MsgRangeProofSegment
	MsgGetKernelSegment
	MsgKernelSegment
)

// MaxLocatorHashes bounds GetHeaders' locator per §6.
const MaxLocatorHashes = 20

// MaxHeadersPerResponse bounds a single Headers response per §6.
const MaxHeadersPerResponse = 512

// PingMsg/PongMsg carry the sender's total difficulty and height, the
// liveness+sync-state heartbeat of §6.
type PingMsg struct {
	Type            MessageType `cbor:"1,keyasint"`
	TotalDifficulty uint64      `cbor:"2,keyasint"`
	Height          uint64      `cbor:"3,keyasint"`
}

type PongMsg struct {
	Type            MessageType `cbor:"1,keyasint"`
	TotalDifficulty uint64      `cbor:"2,keyasint"`
	Height          uint64      `cbor:"3,keyasint"`
}

func NewPing(totalDifficulty, height uint64) PingMsg {
	return PingMsg{Type: MsgPing, TotalDifficulty: totalDifficulty, Height: height}
}

func NewPong(totalDifficulty, height uint64) PongMsg {
	return PongMsg{Type: MsgPong, TotalDifficulty: totalDifficulty, Height: height}
}

// GetHeadersMsg requests headers following the best common ancestor the
// locator can establish (§6 "locator: up to 20 hashes").
type GetHeadersMsg struct {
	Type    MessageType `cbor:"1,keyasint"`
	Locator []hash.Hash `cbor:"2,keyasint"`
}

// BuildLocator constructs a locator the way §6 specifies: heights
// h, h-2, h-6, h-14, ... (powers-of-two gaps doubling each step) down to
// 0, capped at MaxLocatorHashes entries. headerAt resolves a height to its
// hash on the caller's active chain.
func BuildLocator(tipHeight uint64, headerAt func(height uint64) (hash.Hash, bool)) []hash.Hash {
	var locator []hash.Hash
	height := tipHeight
	gap := uint64(2)
	for {
		if h, ok := headerAt(height); ok {
			locator = append(locator, h)
		}
		if height == 0 || len(locator) >= MaxLocatorHashes {
			break
		}
		if gap > height {
			height = 0
		} else {
			height -= gap
		}
		gap *= 2
	}
	return locator
}

// HeadersMsg answers GetHeaders with up to MaxHeadersPerResponse headers.
type HeadersMsg struct {
	Type    MessageType        `cbor:"1,keyasint"`
	Headers []*core.BlockHeader `cbor:"2,keyasint"`
}

// GetBlockMsg requests a full block by its header hash.
type GetBlockMsg struct {
	Type MessageType `cbor:"1,keyasint"`
	Hash hash.Hash   `cbor:"2,keyasint"`
}

// BlockMsg answers GetBlock. Inputs are always the current CommitOnly wire
// form (§3 "the core normalizes to CommitOnly on the wire"); the block's
// own Encode/Decode already enforces this.
type BlockMsg struct {
	Type  MessageType `cbor:"1,keyasint"`
	Block *core.Block `cbor:"2,keyasint"`
}

// ShortID is the 6-byte compact-block short transaction id computed under
// a per-block siphash-style key H(header ‖ nonce) (§6). The core treats it
// as an opaque comparable digest; the compact-block protocol's short-id
// *hash function* is the same external crypto collaborator named in §1 —
// this type only carries the result.
type ShortID [6]byte

// ShortIDKey derives the per-compact-block domain key the sender commits
// to so a short-id collision can't be engineered without knowing it.
func ShortIDKey(headerHash hash.Hash, nonce uint64) hash.Hash {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(nonce)
		nonce >>= 8
	}
	return hash.Pair(0x02, headerHash, hash.Leaf(buf[:]))
}

// KernelShortID truncates H(key ‖ kernel_excess) to the wire's 6-byte
// short id width.
func KernelShortID(key hash.Hash, excess core.Commitment) ShortID {
	full := hash.Pair(0x03, key, hash.Leaf(excess[:]))
	var id ShortID
	copy(id[:], full[:len(id)])
	return id
}

// GetCompactBlockMsg requests the compact form of a known block.
type GetCompactBlockMsg struct {
	Type MessageType `cbor:"1,keyasint"`
	Hash hash.Hash   `cbor:"2,keyasint"`
}

// CompactBlockMsg carries a block's header plus the short ids of kernels
// the sender expects the receiver already has (mempool-resident), and the
// full records of everything else — the coinbase output/kernel are always
// sent in full since a fresh block's coinbase can never be mempool-known
// (§6).
type CompactBlockMsg struct {
	Type     MessageType       `cbor:"1,keyasint"`
	Header   *core.BlockHeader `cbor:"2,keyasint"`
	Nonce    uint64            `cbor:"3,keyasint"`
	Offset   core.Commitment   `cbor:"4,keyasint"`
	OutFull  []core.Output     `cbor:"5,keyasint"`
	KernFull []core.Kernel     `cbor:"6,keyasint"`
	KernIDs  []ShortID         `cbor:"7,keyasint"`
}

// BuildCompactBlock splits blk's kernels into the short-id set (every
// kernel the sender believes known, i.e. present in knownExcesses) and the
// full set (everything else, e.g. the coinbase kernel), per §6.
func BuildCompactBlock(blk *core.Block, nonce uint64, knownExcesses map[core.Commitment]bool) CompactBlockMsg {
	key := ShortIDKey(blk.Header.Hash(), nonce)

	cb := CompactBlockMsg{
		Type:    MsgCompactBlock,
		Header:  blk.Header,
		Nonce:   nonce,
		Offset:  blk.Offset,
		OutFull: blk.Body.Outputs,
	}
	for _, k := range blk.Body.Kernels {
		if knownExcesses[k.Excess] {
			cb.KernIDs = append(cb.KernIDs, KernelShortID(key, k.Excess))
			continue
		}
		cb.KernFull = append(cb.KernFull, k)
	}
	sort.Slice(cb.KernIDs, func(i, j int) bool { return bytes.Compare(cb.KernIDs[i][:], cb.KernIDs[j][:]) < 0 })
	return cb
}

// TransactionMsg broadcasts a fluffed (mempool-destined) transaction.
type TransactionMsg struct {
	Type MessageType      `cbor:"1,keyasint"`
	Tx   *core.Transaction `cbor:"2,keyasint"`
}

// StemTransactionMsg forwards a transaction along the Dandelion stem path;
// distinct from TransactionMsg purely so a receiver can route it to
// AdmitStem instead of AdmitFluff without inspecting the payload (§4.7).
type StemTransactionMsg struct {
	Type MessageType      `cbor:"1,keyasint"`
	Tx   *core.Transaction `cbor:"2,keyasint"`
}

// TransactionKernelMsg announces a mempool-admitted tx by kernel hash
// only, letting peers that already hold it skip a full refetch.
type TransactionKernelMsg struct {
	Type       MessageType `cbor:"1,keyasint"`
	KernelHash hash.Hash   `cbor:"2,keyasint"`
}

// GetTransactionMsg requests the full transaction behind a kernel hash
// announced via TransactionKernelMsg.
type GetTransactionMsg struct {
	Type       MessageType `cbor:"1,keyasint"`
	KernelHash hash.Hash   `cbor:"2,keyasint"`
}

// TxHashSetRequestMsg asks a peer for a full txhashset archive (legacy
// bulk-sync path, superseded in practice by PIBD but still a valid
// fallback per §6).
type TxHashSetRequestMsg struct {
	Type   MessageType `cbor:"1,keyasint"`
	Hash   hash.Hash   `cbor:"2,keyasint"`
	Height uint64      `cbor:"3,keyasint"`
}

// TxHashSetArchiveMsg announces the archive's size; the zip bytes
// themselves follow as a separate byte attachment per §6, outside this
// typed envelope (the attachment is exactly the files listed in §6
// "Archive zip").
type TxHashSetArchiveMsg struct {
	Type     MessageType `cbor:"1,keyasint"`
	Hash     hash.Hash   `cbor:"2,keyasint"`
	Height   uint64      `cbor:"3,keyasint"`
	NumBytes uint64      `cbor:"4,keyasint"`
}

// segmentRequest is the common shape of the four PIBD Get*Segment
// messages (§6); RequestID lets an adapter correlate an asynchronous
// response with the request that triggered it across a transport that
// does not itself preserve request/response pairing.
type segmentRequest struct {
	Type      MessageType   `cbor:"1,keyasint"`
	RequestID uuid.UUID     `cbor:"2,keyasint"`
	BlockHash hash.Hash     `cbor:"3,keyasint"`
	SegmentID pibd.SegmentID `cbor:"4,keyasint"`
}

type GetOutputBitmapSegmentMsg struct{ segmentRequest }
type GetOutputSegmentMsg struct{ segmentRequest }
type GetRangeProofSegmentMsg struct{ segmentRequest }
type GetKernelSegmentMsg struct{ segmentRequest }

func newSegmentRequest(t MessageType, blockHash hash.Hash, id pibd.SegmentID) segmentRequest {
	return segmentRequest{Type: t, RequestID: uuid.New(), BlockHash: blockHash, SegmentID: id}
}

func NewGetOutputBitmapSegment(blockHash hash.Hash, id pibd.SegmentID) GetOutputBitmapSegmentMsg {
	return GetOutputBitmapSegmentMsg{newSegmentRequest(MsgGetOutputBitmapSegment, blockHash, id)}
}

func NewGetOutputSegment(blockHash hash.Hash, id pibd.SegmentID) GetOutputSegmentMsg {
	return GetOutputSegmentMsg{newSegmentRequest(MsgGetOutputSegment, blockHash, id)}
}

func NewGetRangeProofSegment(blockHash hash.Hash, id pibd.SegmentID) GetRangeProofSegmentMsg {
	return GetRangeProofSegmentMsg{newSegmentRequest(MsgGetRangeProofSegment, blockHash, id)}
}

func NewGetKernelSegment(blockHash hash.Hash, id pibd.SegmentID) GetKernelSegmentMsg {
	return GetKernelSegmentMsg{newSegmentRequest(MsgGetKernelSegment, blockHash, id)}
}

// segmentResponse carries the built segment plus the paired root §4.8
// requires for output/bitmap kinds (pibd.Segment.PairedRoot already
// carries it; this envelope just echoes the correlating RequestID).
type segmentResponse struct {
	Type      MessageType  `cbor:"1,keyasint"`
	RequestID uuid.UUID    `cbor:"2,keyasint"`
	Segment   *pibd.Segment `cbor:"3,keyasint"`
}

type OutputBitmapSegmentMsg struct{ segmentResponse }
type OutputSegmentMsg struct{ segmentResponse }
type RangeProofSegmentMsg struct{ segmentResponse }
type KernelSegmentMsg struct{ segmentResponse }

func newSegmentResponse(t MessageType, requestID uuid.UUID, seg *pibd.Segment) segmentResponse {
	return segmentResponse{Type: t, RequestID: requestID, Segment: seg}
}

func NewOutputBitmapSegmentMsg(requestID uuid.UUID, seg *pibd.Segment) OutputBitmapSegmentMsg {
	return OutputBitmapSegmentMsg{newSegmentResponse(MsgOutputBitmapSegment, requestID, seg)}
}

func NewOutputSegmentMsg(requestID uuid.UUID, seg *pibd.Segment) OutputSegmentMsg {
	return OutputSegmentMsg{newSegmentResponse(MsgOutputSegment, requestID, seg)}
}

func NewRangeProofSegmentMsg(requestID uuid.UUID, seg *pibd.Segment) RangeProofSegmentMsg {
	return RangeProofSegmentMsg{newSegmentResponse(MsgRangeProofSegment, requestID, seg)}
}

func NewKernelSegmentMsg(requestID uuid.UUID, seg *pibd.Segment) KernelSegmentMsg {
	return KernelSegmentMsg{newSegmentResponse(MsgKernelSegment, requestID, seg)}
}

// Encode serializes any payload to CBOR, the wire envelope §B's domain
// stack table assigns to the PIBD request/response traffic and reused
// here for every other message for a single consistent codec.
func Encode(msg interface{}) ([]byte, error) {
	b, err := cbor.Marshal(msg)
	if err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "encode p2p message", err)
	}
	return b, nil
}

// Decode deserializes a CBOR payload into out (a pointer to one of the
// message types above).
func Decode(data []byte, out interface{}) error {
	if err := cbor.Unmarshal(data, out); err != nil {
		return errors.New(errors.ERR_BAD_DATA, "decode p2p message", err)
	}
	return nil
}

// PeekType decodes only the discriminant field, letting a dispatcher pick
// the concrete type to fully decode into without a second round trip.
func PeekType(data []byte) (MessageType, error) {
	var probe struct {
		Type MessageType `cbor:"1,keyasint"`
	}
	if err := cbor.Unmarshal(data, &probe); err != nil {
		return 0, errors.New(errors.ERR_BAD_DATA, "peek p2p message type", err)
	}
	return probe.Type, nil
}
