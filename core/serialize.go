package core

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/mw-labs/mwnode/errors"
)

// WireVersion selects the variant-sizing rules of §6: v1 always uses a
// fixed 17-byte kernel-features record; v2 uses a variable-length record
// per variant. Hashing always uses the v1 layout regardless of wire
// version (§6 "Hashing always uses the v1 (fixed) layout for stability").
type WireVersion uint8

const (
	WireV1 WireVersion = 1
	WireV2 WireVersion = 2
)

// kernelFeaturesV1Size is the fixed record width: 1 feature byte, 8-byte
// fee_fields, 8-byte aux.
const kernelFeaturesV1Size = 1 + 8 + 8

// EncodeV1 writes the fixed 17-byte kernel-features record, zero-padding
// unused fields per the variant (§6).
func (kf KernelFeatures) EncodeV1(w io.Writer) error {
	var buf [kernelFeaturesV1Size]byte
	buf[0] = byte(kf.Type)

	switch kf.Type {
	case KernelPlain, KernelHeightLocked, KernelNoRecentDuplicate:
		binary.BigEndian.PutUint64(buf[1:9], uint64(kf.Fee))
	}

	switch kf.Type {
	case KernelHeightLocked:
		binary.BigEndian.PutUint64(buf[9:17], kf.LockHeight)
	case KernelNoRecentDuplicate:
		binary.BigEndian.PutUint64(buf[9:17], uint64(kf.RelativeHeight))
	}

	_, err := w.Write(buf[:])
	return err
}

// DecodeKernelFeaturesV1 reads the fixed 17-byte record written by
// EncodeV1.
func DecodeKernelFeaturesV1(r io.Reader) (KernelFeatures, error) {
	var buf [kernelFeaturesV1Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return KernelFeatures{}, errors.New(errors.ERR_BAD_DATA, "read kernel features v1", err)
	}

	kf := KernelFeatures{Type: KernelFeatureByte(buf[0])}
	switch kf.Type {
	case KernelPlain, KernelHeightLocked, KernelNoRecentDuplicate:
		kf.Fee = FeeFields(binary.BigEndian.Uint64(buf[1:9]))
	case KernelCoinbase:
		// no fee, no aux
	default:
		return kf, errors.New(errors.ERR_BAD_DATA, "unknown kernel feature byte %d", buf[0])
	}

	switch kf.Type {
	case KernelHeightLocked:
		kf.LockHeight = binary.BigEndian.Uint64(buf[9:17])
	case KernelNoRecentDuplicate:
		kf.RelativeHeight = uint16(binary.BigEndian.Uint64(buf[9:17]))
	}

	return kf, nil
}

// EncodeV2 writes only the bytes each variant actually needs: 1 feature
// byte, plus 8 bytes of fee_fields for every variant but Coinbase, plus 8
// bytes of lock_height (HeightLocked) or 2 bytes of relative_height
// (NoRecentDuplicate).
func (kf KernelFeatures) EncodeV2(w io.Writer) error {
	if _, err := w.Write([]byte{byte(kf.Type)}); err != nil {
		return err
	}

	switch kf.Type {
	case KernelPlain, KernelHeightLocked, KernelNoRecentDuplicate:
		var feeBuf [8]byte
		binary.BigEndian.PutUint64(feeBuf[:], uint64(kf.Fee))
		if _, err := w.Write(feeBuf[:]); err != nil {
			return err
		}
	}

	switch kf.Type {
	case KernelHeightLocked:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], kf.LockHeight)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	case KernelNoRecentDuplicate:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], kf.RelativeHeight)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	return nil
}

// DecodeKernelFeaturesV2 reads the variable-length record written by
// EncodeV2.
func DecodeKernelFeaturesV2(r io.Reader) (KernelFeatures, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return KernelFeatures{}, errors.New(errors.ERR_BAD_DATA, "read kernel feature tag", err)
	}

	kf := KernelFeatures{Type: KernelFeatureByte(tag[0])}

	switch kf.Type {
	case KernelPlain, KernelHeightLocked, KernelNoRecentDuplicate:
		var feeBuf [8]byte
		if _, err := io.ReadFull(r, feeBuf[:]); err != nil {
			return kf, errors.New(errors.ERR_BAD_DATA, "read fee_fields", err)
		}
		kf.Fee = FeeFields(binary.BigEndian.Uint64(feeBuf[:]))
	case KernelCoinbase:
	default:
		return kf, errors.New(errors.ERR_BAD_DATA, "unknown kernel feature byte %d", tag[0])
	}

	switch kf.Type {
	case KernelHeightLocked:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return kf, errors.New(errors.ERR_BAD_DATA, "read lock_height", err)
		}
		kf.LockHeight = binary.BigEndian.Uint64(buf[:])
	case KernelNoRecentDuplicate:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return kf, errors.New(errors.ERR_BAD_DATA, "read relative_height", err)
		}
		kf.RelativeHeight = binary.BigEndian.Uint16(buf[:])
	}

	return kf, nil
}

// Encode writes a full Kernel record for the given wire version.
func (k Kernel) Encode(w io.Writer, ver WireVersion) error {
	var err error
	if ver == WireV1 {
		err = k.Features.EncodeV1(w)
	} else {
		err = k.Features.EncodeV2(w)
	}
	if err != nil {
		return err
	}
	if _, err := w.Write(k.Excess[:]); err != nil {
		return err
	}
	_, err = w.Write(k.Signature[:])
	return err
}

// DecodeKernel reads a full Kernel record for the given wire version.
func DecodeKernel(r io.Reader, ver WireVersion) (Kernel, error) {
	var k Kernel
	var err error
	if ver == WireV1 {
		k.Features, err = DecodeKernelFeaturesV1(r)
	} else {
		k.Features, err = DecodeKernelFeaturesV2(r)
	}
	if err != nil {
		return k, err
	}
	if _, err := io.ReadFull(r, k.Excess[:]); err != nil {
		return k, errors.New(errors.ERR_BAD_DATA, "read kernel excess", err)
	}
	if _, err := io.ReadFull(r, k.Signature[:]); err != nil {
		return k, errors.New(errors.ERR_BAD_DATA, "read kernel signature", err)
	}
	return k, nil
}

// HashBytes always serializes the kernel using the fixed v1 layout for
// stable hashing regardless of the negotiated wire version (§6).
func (k Kernel) HashBytes() []byte {
	var buf bytes.Buffer
	_ = k.Features.EncodeV1(&buf)
	buf.Write(k.Excess[:])
	buf.Write(k.Signature[:])
	return buf.Bytes()
}

// Encode writes an Input in its current CommitOnly wire form.
func (in Input) Encode(w io.Writer) error {
	_, err := w.Write(in.Commit[:])
	return err
}

func DecodeInput(r io.Reader) (Input, error) {
	var in Input
	if _, err := io.ReadFull(r, in.Commit[:]); err != nil {
		return in, errors.New(errors.ERR_BAD_DATA, "read input commitment", err)
	}
	return in, nil
}

// Encode writes a LegacyInput (features + commitment), only used when
// decoding/encoding older blocks that still carry the explicit-features
// wire form.
func (li LegacyInput) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{byte(li.Features)}); err != nil {
		return err
	}
	_, err := w.Write(li.Commit[:])
	return err
}

func DecodeLegacyInput(r io.Reader) (LegacyInput, error) {
	var li LegacyInput
	var feat [1]byte
	if _, err := io.ReadFull(r, feat[:]); err != nil {
		return li, errors.New(errors.ERR_BAD_DATA, "read legacy input features", err)
	}
	li.Features = OutputFeatures(feat[0])
	if _, err := io.ReadFull(r, li.Commit[:]); err != nil {
		return li, errors.New(errors.ERR_BAD_DATA, "read legacy input commitment", err)
	}
	return li, nil
}

// Encode writes an Output: features, commitment, then the length-prefixed
// range proof blob.
func (o Output) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{byte(o.Features)}); err != nil {
		return err
	}
	if _, err := w.Write(o.Commit[:]); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(o.Proof.Bytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(o.Proof.Bytes)
	return err
}

func DecodeOutput(r io.Reader) (Output, error) {
	var o Output
	var feat [1]byte
	if _, err := io.ReadFull(r, feat[:]); err != nil {
		return o, errors.New(errors.ERR_BAD_DATA, "read output features", err)
	}
	o.Features = OutputFeatures(feat[0])
	if _, err := io.ReadFull(r, o.Commit[:]); err != nil {
		return o, errors.New(errors.ERR_BAD_DATA, "read output commitment", err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return o, errors.New(errors.ERR_BAD_DATA, "read range proof length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxRangeProofSize {
		return o, errors.New(errors.ERR_BAD_DATA, "range proof length %d exceeds max %d", n, MaxRangeProofSize)
	}
	proof := make([]byte, n)
	if _, err := io.ReadFull(r, proof); err != nil {
		return o, errors.New(errors.ERR_BAD_DATA, "read range proof bytes", err)
	}
	o.Proof = RangeProof{Bytes: proof}
	return o, nil
}

// EncodeHeader writes a BlockHeader in canonical binary form.
func EncodeHeader(w io.Writer, h *BlockHeader) error {
	fields := []interface{}{
		h.Version, h.Height,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	for _, h32 := range [][]byte{h.Previous[:], h.PrevRoot[:], h.OutputRoot[:], h.RangeProofRoot[:], h.KernelRoot[:]} {
		if _, err := w.Write(h32); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, h.OutputMMRSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.KernelMMRSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.TotalDifficulty); err != nil {
		return err
	}
	if _, err := w.Write(h.TotalKernelOffset[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(h.Pow))); err != nil {
		return err
	}
	for _, p := range h.Pow {
		if err := binary.Write(w, binary.BigEndian, p); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBlock writes a full Block: header, offset, then the length-prefixed
// inputs/outputs/kernels of its body, for the given wire version.
func EncodeBlock(w io.Writer, b *Block, ver WireVersion) error {
	if err := EncodeHeader(w, b.Header); err != nil {
		return err
	}
	if _, err := w.Write(b.Offset[:]); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(b.Body.Inputs))); err != nil {
		return err
	}
	for _, in := range b.Body.Inputs {
		if err := in.Encode(w); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(b.Body.Outputs))); err != nil {
		return err
	}
	for _, o := range b.Body.Outputs {
		if err := o.Encode(w); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(b.Body.Kernels))); err != nil {
		return err
	}
	for _, k := range b.Body.Kernels {
		if err := k.Encode(w, ver); err != nil {
			return err
		}
	}

	return nil
}

// DecodeBlock reads a full Block written by EncodeBlock.
func DecodeBlock(r io.Reader, ver WireVersion) (*Block, error) {
	header, err := DecodeHeader(r)
	if err != nil {
		return nil, err
	}

	b := &Block{Header: header}
	if _, err := io.ReadFull(r, b.Offset[:]); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read block offset", err)
	}

	var nInputs uint32
	if err := binary.Read(r, binary.BigEndian, &nInputs); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read input count", err)
	}
	b.Body.Inputs = make([]Input, nInputs)
	for i := range b.Body.Inputs {
		in, err := DecodeInput(r)
		if err != nil {
			return nil, err
		}
		b.Body.Inputs[i] = in
	}

	var nOutputs uint32
	if err := binary.Read(r, binary.BigEndian, &nOutputs); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read output count", err)
	}
	b.Body.Outputs = make([]Output, nOutputs)
	for i := range b.Body.Outputs {
		o, err := DecodeOutput(r)
		if err != nil {
			return nil, err
		}
		b.Body.Outputs[i] = o
	}

	var nKernels uint32
	if err := binary.Read(r, binary.BigEndian, &nKernels); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read kernel count", err)
	}
	b.Body.Kernels = make([]Kernel, nKernels)
	for i := range b.Body.Kernels {
		k, err := DecodeKernel(r, ver)
		if err != nil {
			return nil, err
		}
		b.Body.Kernels[i] = k
	}

	return b, nil
}

// DecodeHeader reads a BlockHeader written by EncodeHeader.
func DecodeHeader(r io.Reader) (*BlockHeader, error) {
	h := &BlockHeader{}
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read header version", err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Height); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read header height", err)
	}
	for _, dst := range [][]byte{h.Previous[:], h.PrevRoot[:], h.OutputRoot[:], h.RangeProofRoot[:], h.KernelRoot[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, errors.New(errors.ERR_BAD_DATA, "read header root", err)
		}
	}
	if err := binary.Read(r, binary.BigEndian, &h.OutputMMRSize); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read output mmr size", err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.KernelMMRSize); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read kernel mmr size", err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.TotalDifficulty); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read total difficulty", err)
	}
	if _, err := io.ReadFull(r, h.TotalKernelOffset[:]); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read total kernel offset", err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Timestamp); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read timestamp", err)
	}
	var powLen uint32
	if err := binary.Read(r, binary.BigEndian, &powLen); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read pow length", err)
	}
	h.Pow = make([]uint64, powLen)
	for i := range h.Pow {
		if err := binary.Read(r, binary.BigEndian, &h.Pow[i]); err != nil {
			return nil, errors.New(errors.ERR_BAD_DATA, "read pow element", err)
		}
	}
	return h, nil
}
