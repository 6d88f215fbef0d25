package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFee(t *testing.T, fee uint64, shift uint8) FeeFields {
	t.Helper()
	f, err := NewFeeFields(fee, shift)
	require.NoError(t, err)
	return f
}

func TestFeeFieldsPackUnpack(t *testing.T) {
	f := mustFee(t, 12345, 3)
	assert.Equal(t, uint64(12345), f.Fee())
	assert.Equal(t, uint8(3), f.Shift())
}

func TestKernelFeaturesRoundTripV1(t *testing.T) {
	cases := []KernelFeatures{
		PlainFeatures(mustFee(t, 500, 0)),
		CoinbaseFeatures(),
		HeightLockedFeatures(mustFee(t, 10, 1), 42),
		NRDFeatures(mustFee(t, 9, 2), 10),
	}

	for _, kf := range cases {
		var buf bytes.Buffer
		require.NoError(t, kf.EncodeV1(&buf))
		got, err := DecodeKernelFeaturesV1(&buf)
		require.NoError(t, err)
		assert.Equal(t, kf, got)
	}
}

func TestKernelFeaturesRoundTripV2(t *testing.T) {
	cases := []KernelFeatures{
		PlainFeatures(mustFee(t, 500, 0)),
		CoinbaseFeatures(),
		HeightLockedFeatures(mustFee(t, 10, 1), 42),
		NRDFeatures(mustFee(t, 9, 2), 10),
	}

	for _, kf := range cases {
		var buf bytes.Buffer
		require.NoError(t, kf.EncodeV2(&buf))
		got, err := DecodeKernelFeaturesV2(&buf)
		require.NoError(t, err)
		assert.Equal(t, kf, got)
	}
}

func TestKernelHashIndependentOfWireVersion(t *testing.T) {
	k := Kernel{Features: NRDFeatures(mustFee(t, 1, 0), 5)}
	b1 := k.HashBytes()

	var v2Buf bytes.Buffer
	require.NoError(t, k.Features.EncodeV2(&v2Buf))
	// b1 must always reflect the fixed v1 layout, not whatever the last
	// encode call used.
	b2 := k.HashBytes()
	assert.Equal(t, b1, b2)
}

func TestOutputIdentifierRoundTrip(t *testing.T) {
	var commit Commitment
	commit[0] = 0xAB
	oid := OutputIdentifier{Features: OutputCoinbase, Commit: commit}

	got, err := OutputIdentifierFromBytes(oid.Bytes())
	require.NoError(t, err)
	assert.Equal(t, oid, got)
}

func TestOutputRoundTrip(t *testing.T) {
	var commit Commitment
	commit[1] = 0xCD
	o := Output{Features: OutputPlain, Commit: commit, Proof: RangeProof{Bytes: []byte{1, 2, 3}}}

	var buf bytes.Buffer
	require.NoError(t, o.Encode(&buf))
	got, err := DecodeOutput(&buf)
	require.NoError(t, err)
	assert.Equal(t, o, got)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &BlockHeader{
		Version:       2,
		Height:        100,
		TotalDifficulty: 99999,
		Timestamp:     1710000000,
		Pow:           []uint64{1, 2, 3, 4},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeHeader(&buf, h))
	got, err := DecodeHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestBodySortAndValidate(t *testing.T) {
	var c1, c2, c3 Commitment
	c1[0] = 1
	c2[0] = 2
	c3[0] = 3

	body := TxBody{
		Outputs: []Output{{Commit: c2, Proof: RangeProof{Bytes: []byte{1}}}, {Commit: c1, Proof: RangeProof{Bytes: []byte{1}}}},
		Inputs:  []Input{{Commit: c3}},
		Kernels: []Kernel{{Features: PlainFeatures(mustFee(t, 1, 0)), Excess: c2}},
	}
	body.Sort()
	require.NoError(t, body.ValidateSorted())
	require.NoError(t, body.ValidateNoCutThrough())
	require.NoError(t, body.Validate(1000))
}

func TestBodyCutThroughRejected(t *testing.T) {
	var c Commitment
	c[0] = 7
	body := TxBody{
		Inputs:  []Input{{Commit: c}},
		Outputs: []Output{{Commit: c, Proof: RangeProof{Bytes: []byte{1}}}},
	}
	assert.Error(t, body.ValidateNoCutThrough())
}
