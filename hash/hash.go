// Package hash defines the 32-byte digest type used throughout every
// committed MMR and the position-dependent node-hashing construction
// (domain separation by position), mirroring the pattern
// forestrie-go-merklelog's mmr package uses to commit interior nodes to
// their position before hashing children.
package hash

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Size is the fixed digest width in bytes.
const Size = 32

// Hash is an opaque 32-byte digest. The zero value is the all-zero hash,
// used as the root of an empty MMR.
type Hash [Size]byte

// ZeroHash is the constant root of an empty PMMR (§4.2 root()).
var ZeroHash = Hash{}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// FromBytes copies b (which must be exactly Size bytes) into a Hash.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != Size {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// newHasher returns a fresh blake3 hash.Hash instance at the standard
// 32-byte output size.
func newHasher() *blake3.Hasher {
	return blake3.New(Size, nil)
}

// HashWriteUint64 writes i as 8 big-endian bytes into the hasher, the same
// position-commitment step forestrie-go-merklelog's AddHashedLeaf uses
// before hashing the left/right children of an interior node.
func HashWriteUint64(h *blake3.Hasher, i uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	_, _ = h.Write(buf[:])
}

// Leaf hashes a leaf's serialized data. Leaves are not position-committed
// at the point of hashing the raw bytes; position commitment happens one
// level up, exactly as in AddHashedLeaf (the leaf value is appended to the
// backend store as-is, then interior nodes commit to their own position).
func Leaf(data []byte) Hash {
	h := newHasher()
	_, _ = h.Write(data)
	var out Hash
	h.Sum(out[:0])
	return out
}

// Node computes H(pos ‖ left ‖ right), the position-dependent interior
// node hash used when an MMR backend back-fills a parent.
func Node(pos uint64, left, right Hash) Hash {
	h := newHasher()
	HashWriteUint64(h, pos)
	_, _ = h.Write(left[:])
	_, _ = h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// Root computes H(size ‖ peak_right ‖ accumulator), the bagging step
// root() uses to fold peaks right-to-left into a single root (§4.2).
func Root(size uint64, peak Hash, accumulator Hash) Hash {
	h := newHasher()
	HashWriteUint64(h, size)
	_, _ = h.Write(peak[:])
	_, _ = h.Write(accumulator[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// Pair is a generic domain-separated two-child hash, used by the bitmap
// accumulator and by the output_root = H(pmmr_root ‖ bitmap_root)
// composition (§3 I4).
func Pair(domain byte, a, b Hash) Hash {
	h := newHasher()
	_, _ = h.Write([]byte{domain})
	_, _ = h.Write(a[:])
	_, _ = h.Write(b[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

const domainOutputRoot byte = 0x01

// OutputRoot composes the committed output-MMR root with the bitmap
// accumulator root into the single root the header signs (§3 I4).
func OutputRoot(pmmrRoot, bitmapRoot Hash) Hash {
	return Pair(domainOutputRoot, pmmrRoot, bitmapRoot)
}
