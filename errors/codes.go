package errors

// ERR enumerates the error taxonomy enforced across the block pipeline,
// extension, pool, and PIBD exchange. Kinds, not type names: several
// operations return the same ERR_BAD_DATA code for structurally distinct
// violations because callers only need to know the punishability class.
type ERR int32

const (
	ERR_UNKNOWN ERR = iota

	// Unfit: correctly formed but not admissible; peer is not punished.
	ERR_UNFIT
	ERR_DUPLICATE_BLOCK
	ERR_BELOW_HORIZON
	ERR_DENYLISTED

	// Orphan: parent unknown, deferred rather than rejected.
	ERR_ORPHAN

	// BadData: structural/weight/sort/cut-through/feature/root/sum
	// violations. Peer is punishable.
	ERR_BAD_DATA
	ERR_DUPLICATE_COMMITMENT
	ERR_ALREADY_SPENT
	ERR_INVALID_ROOT
	ERR_KERNEL_SUM_MISMATCH
	ERR_INVALID_NRD_RELATIVE_HEIGHT
	ERR_WEIGHT_EXCEEDED
	ERR_UNSORTED
	ERR_CUT_THROUGH
	ERR_IMMATURE_COINBASE

	// Cryptographic rejection: peer is punishable.
	ERR_INVALID_SIGNATURE
	ERR_INVALID_RANGEPROOF
	ERR_INCORRECT_COMMIT_SUM

	// Store / I/O: persistence failure, fatal for the current batch.
	ERR_STORE

	// PIBD-specific: segment rejected, request retried against another peer.
	ERR_SEGMENT_HEADER_MISMATCH
	ERR_INVALID_SEGMENT_HEIGHT
	ERR_INVALID_SEGMENT

	// Cooperative cancellation.
	ERR_STOPPED

	ERR_NOT_FOUND
	ERR_INVALID_ARGUMENT
)

var errName = map[ERR]string{
	ERR_UNKNOWN:                      "ERR_UNKNOWN",
	ERR_UNFIT:                        "ERR_UNFIT",
	ERR_DUPLICATE_BLOCK:              "ERR_DUPLICATE_BLOCK",
	ERR_BELOW_HORIZON:                "ERR_BELOW_HORIZON",
	ERR_DENYLISTED:                   "ERR_DENYLISTED",
	ERR_ORPHAN:                       "ERR_ORPHAN",
	ERR_BAD_DATA:                     "ERR_BAD_DATA",
	ERR_DUPLICATE_COMMITMENT:         "ERR_DUPLICATE_COMMITMENT",
	ERR_ALREADY_SPENT:                "ERR_ALREADY_SPENT",
	ERR_INVALID_ROOT:                 "ERR_INVALID_ROOT",
	ERR_KERNEL_SUM_MISMATCH:          "ERR_KERNEL_SUM_MISMATCH",
	ERR_INVALID_NRD_RELATIVE_HEIGHT:  "ERR_INVALID_NRD_RELATIVE_HEIGHT",
	ERR_WEIGHT_EXCEEDED:              "ERR_WEIGHT_EXCEEDED",
	ERR_UNSORTED:                     "ERR_UNSORTED",
	ERR_CUT_THROUGH:                  "ERR_CUT_THROUGH",
	ERR_IMMATURE_COINBASE:            "ERR_IMMATURE_COINBASE",
	ERR_INVALID_SIGNATURE:            "ERR_INVALID_SIGNATURE",
	ERR_INVALID_RANGEPROOF:           "ERR_INVALID_RANGEPROOF",
	ERR_INCORRECT_COMMIT_SUM:         "ERR_INCORRECT_COMMIT_SUM",
	ERR_STORE:                        "ERR_STORE",
	ERR_SEGMENT_HEADER_MISMATCH:      "ERR_SEGMENT_HEADER_MISMATCH",
	ERR_INVALID_SEGMENT_HEIGHT:       "ERR_INVALID_SEGMENT_HEIGHT",
	ERR_INVALID_SEGMENT:              "ERR_INVALID_SEGMENT",
	ERR_STOPPED:                      "ERR_STOPPED",
	ERR_NOT_FOUND:                    "ERR_NOT_FOUND",
	ERR_INVALID_ARGUMENT:             "ERR_INVALID_ARGUMENT",
}

func (c ERR) String() string {
	if s, ok := errName[c]; ok {
		return s
	}
	return "ERR_UNKNOWN"
}

// Punishable reports whether a peer that produced this error should be
// penalized by the network layer, per the propagation rules of the error
// taxonomy: BadData and cryptographic rejections are punishable, Unfit,
// Orphan, Store and Stopped are not.
func (c ERR) Punishable() bool {
	switch c {
	case ERR_BAD_DATA, ERR_DUPLICATE_COMMITMENT, ERR_ALREADY_SPENT,
		ERR_INVALID_ROOT, ERR_KERNEL_SUM_MISMATCH, ERR_INVALID_NRD_RELATIVE_HEIGHT,
		ERR_WEIGHT_EXCEEDED, ERR_UNSORTED, ERR_CUT_THROUGH, ERR_IMMATURE_COINBASE,
		ERR_INVALID_SIGNATURE, ERR_INVALID_RANGEPROOF, ERR_INCORRECT_COMMIT_SUM:
		return true
	default:
		return false
	}
}
