package pool

import (
	"sort"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/txhashset"
)

// Aggregate concatenates inputs/outputs/kernels of txs, applies
// cut-through across the combined inputs/outputs, and sums kernel
// offsets via the crypto collaborator (§4.7 "aggregate(txs) concatenates
// ... applies cut-through ... and sums kernel offsets").
func Aggregate(verifier txhashset.Verifier, txs []*core.Transaction) (*core.Transaction, error) {
	if len(txs) == 0 {
		return nil, errors.New(errors.ERR_INVALID_ARGUMENT, "aggregate requires at least one transaction")
	}

	var allInputs []core.Input
	var allOutputs []core.Output
	var allKernels []core.Kernel
	offsets := make([]core.Commitment, 0, len(txs))

	for _, tx := range txs {
		allInputs = append(allInputs, tx.Body.Inputs...)
		allOutputs = append(allOutputs, tx.Body.Outputs...)
		allKernels = append(allKernels, tx.Body.Kernels...)
		offsets = append(offsets, tx.Offset)
	}

	keptIn, keptOut, _, _ := CutThrough(allInputs, allOutputs)
	if !NoDuplicateInputs(keptIn) || !NoDuplicateOutputs(keptOut) {
		return nil, errors.New(errors.ERR_BAD_DATA, "aggregate produced duplicate commitments after cut-through")
	}

	sort.Slice(allKernels, func(i, j int) bool { return lessCommit(allKernels[i].Excess, allKernels[j].Excess) })

	offsetSum, err := verifier.SumOffsets(offsets, nil)
	if err != nil {
		return nil, errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "sum aggregate offsets", err)
	}

	return &core.Transaction{
		Body: core.TxBody{
			Inputs:  keptIn,
			Outputs: keptOut,
			Kernels: allKernels,
		},
		Offset: offsetSum,
	}, nil
}

// Deaggregate removes known's elements from multi and subtracts their
// offsets, the left-inverse of Aggregate used to recover an individual
// transaction out of a block or an aggregated pool entry (§4.7
// "deaggregate(multi, known) removes the elements of known from multi
// and subtracts their offsets").
func Deaggregate(verifier txhashset.Verifier, multi *core.Transaction, known []*core.Transaction) (*core.Transaction, error) {
	removeIn := make(map[core.Commitment]struct{})
	removeOut := make(map[core.Commitment]struct{})
	removeKernel := make(map[core.Commitment]struct{})
	offsets := make([]core.Commitment, 0, len(known))

	for _, k := range known {
		for _, in := range k.Body.Inputs {
			removeIn[in.Commit] = struct{}{}
		}
		for _, o := range k.Body.Outputs {
			removeOut[o.Commit] = struct{}{}
		}
		for _, ke := range k.Body.Kernels {
			removeKernel[ke.Excess] = struct{}{}
		}
		offsets = append(offsets, k.Offset)
	}

	out := &core.Transaction{}
	for _, in := range multi.Body.Inputs {
		if _, gone := removeIn[in.Commit]; !gone {
			out.Body.Inputs = append(out.Body.Inputs, in)
		}
	}
	for _, o := range multi.Body.Outputs {
		if _, gone := removeOut[o.Commit]; !gone {
			out.Body.Outputs = append(out.Body.Outputs, o)
		}
	}
	for _, k := range multi.Body.Kernels {
		if _, gone := removeKernel[k.Excess]; !gone {
			out.Body.Kernels = append(out.Body.Kernels, k)
		}
	}

	offsetSum, err := verifier.SumOffsets([]core.Commitment{multi.Offset}, offsets)
	if err != nil {
		return nil, errors.New(errors.ERR_INCORRECT_COMMIT_SUM, "subtract deaggregated offsets", err)
	}
	out.Offset = offsetSum

	return out, nil
}
