package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/pool"
)

// fakeVerifier sums commitments by plain byte-wise addition modulo 256,
// an arithmetic stand-in that is commutative and invertible the same way
// Pedersen commitment addition is, without depending on real curve code.
type fakeVerifier struct{}

func (fakeVerifier) SumCommitments(positive, negative []core.Commitment) (core.Commitment, error) {
	return sumCommits(positive, negative), nil
}

func (fakeVerifier) SumOffsets(positive, negative []core.Commitment) (core.Commitment, error) {
	return sumCommits(positive, negative), nil
}

func (fakeVerifier) VerifyKernelSum(outputSum, inputSum, kernelExcessSum, offset core.Commitment, overage int64) error {
	return nil
}

func (fakeVerifier) VerifyRangeProofsBatch(outputs []core.Output) error { return nil }

func (fakeVerifier) VerifyKernelSignatures(kernels []core.Kernel, messages []hash.Hash) error {
	return nil
}

func sumCommits(positive, negative []core.Commitment) core.Commitment {
	var out core.Commitment
	for _, c := range positive {
		for i := range out {
			out[i] += c[i]
		}
	}
	for _, c := range negative {
		for i := range out {
			out[i] -= c[i]
		}
	}
	return out
}

func txWith(in []core.Input, out []core.Output, kernel core.Kernel, offset core.Commitment) *core.Transaction {
	return &core.Transaction{
		Body: core.TxBody{
			Inputs:  in,
			Outputs: out,
			Kernels: []core.Kernel{kernel},
		},
		Offset: offset,
	}
}

func TestAggregateAppliesCutThroughAndSumsOffsets(t *testing.T) {
	v := fakeVerifier{}

	tx1 := txWith(
		[]core.Input{{Commit: commit(1)}},
		[]core.Output{{Commit: commit(2)}},
		core.Kernel{Excess: commit(10)},
		commit(100),
	)
	tx2 := txWith(
		[]core.Input{{Commit: commit(2)}}, // spends tx1's output: cut-through candidate
		[]core.Output{{Commit: commit(3)}},
		core.Kernel{Excess: commit(11)},
		commit(101),
	)

	agg, err := pool.Aggregate(v, []*core.Transaction{tx1, tx2})
	require.NoError(t, err)

	require.Len(t, agg.Body.Inputs, 1)
	require.Equal(t, commit(1), agg.Body.Inputs[0].Commit)
	require.Len(t, agg.Body.Outputs, 1)
	require.Equal(t, commit(3), agg.Body.Outputs[0].Commit)
	require.Len(t, agg.Body.Kernels, 2)

	wantOffset := sumCommits([]core.Commitment{commit(100), commit(101)}, nil)
	require.Equal(t, wantOffset, agg.Offset)
}

func TestDeaggregateRecoversSingleTransaction(t *testing.T) {
	v := fakeVerifier{}

	tx1 := txWith(
		[]core.Input{{Commit: commit(1)}},
		[]core.Output{{Commit: commit(2)}},
		core.Kernel{Excess: commit(10)},
		commit(100),
	)
	tx2 := txWith(
		[]core.Input{{Commit: commit(5)}},
		[]core.Output{{Commit: commit(6)}},
		core.Kernel{Excess: commit(11)},
		commit(101),
	)

	agg, err := pool.Aggregate(v, []*core.Transaction{tx1, tx2})
	require.NoError(t, err)

	recovered, err := pool.Deaggregate(v, agg, []*core.Transaction{tx2})
	require.NoError(t, err)

	require.Len(t, recovered.Body.Inputs, 1)
	require.Equal(t, commit(1), recovered.Body.Inputs[0].Commit)
	require.Len(t, recovered.Body.Outputs, 1)
	require.Equal(t, commit(2), recovered.Body.Outputs[0].Commit)
	require.Len(t, recovered.Body.Kernels, 1)
	require.Equal(t, commit(10), recovered.Body.Kernels[0].Excess)
	require.Equal(t, commit(100), recovered.Offset)
}
