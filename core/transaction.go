package core

import (
	"encoding/binary"
	"io"

	"github.com/mw-labs/mwnode/errors"
)

// Transaction is a standalone (un-mined) transaction: a body plus its
// kernel offset, the same split a Block carries for its body but without
// a header (§4.7, §6 "Transaction(tx)" wire message). The pool operates
// exclusively on this type; a Block's body is only ever the result of
// aggregating accepted transactions with cut-through re-applied.
type Transaction struct {
	Body   TxBody
	Offset Commitment
}

// Fee sums the fee_fields of every Plain/HeightLocked/NoRecentDuplicate
// kernel in the transaction — the value the pool's fee-rate ordering and
// eviction policy are keyed on (§4.7 "fee-rate ordering").
func (tx *Transaction) Fee() uint64 {
	var total uint64
	for _, k := range tx.Body.Kernels {
		switch k.Features.Type {
		case KernelPlain, KernelHeightLocked, KernelNoRecentDuplicate:
			total += k.Features.Fee.Fee()
		}
	}
	return total
}

// FeeRate is the fee-per-weight ratio used to order and evict pool
// entries (§4.7 step 4 "evict the lowest-fee-rate txs").
func (tx *Transaction) FeeRate() uint64 {
	w := tx.Body.Weight()
	if w == 0 {
		return 0
	}
	return tx.Fee() / w
}

// LockHeight returns the maximum lock_height across the transaction's
// HeightLocked kernels, 0 if none, for the pool's "lock_height <=
// next_block_height" admission check (§4.7 step 3).
func (tx *Transaction) LockHeight() uint64 {
	var max uint64
	for _, k := range tx.Body.Kernels {
		if k.Features.Type == KernelHeightLocked && k.Features.LockHeight > max {
			max = k.Features.LockHeight
		}
	}
	return max
}

// Encode writes the transaction's wire form: offset, then the body in
// the same [count][elements...] shape EncodeBlock uses for its body.
func (tx *Transaction) Encode(w io.Writer, ver WireVersion) error {
	if _, err := w.Write(tx.Offset[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(tx.Body.Inputs))); err != nil {
		return err
	}
	for _, in := range tx.Body.Inputs {
		if err := in.Encode(w); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(tx.Body.Outputs))); err != nil {
		return err
	}
	for _, o := range tx.Body.Outputs {
		if err := o.Encode(w); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(tx.Body.Kernels))); err != nil {
		return err
	}
	for _, k := range tx.Body.Kernels {
		if err := k.Encode(w, ver); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTransaction reads a Transaction written by Encode.
func DecodeTransaction(r io.Reader, ver WireVersion) (*Transaction, error) {
	tx := &Transaction{}
	if _, err := io.ReadFull(r, tx.Offset[:]); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read transaction offset", err)
	}

	var nInputs uint32
	if err := binary.Read(r, binary.BigEndian, &nInputs); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read input count", err)
	}
	tx.Body.Inputs = make([]Input, nInputs)
	for i := range tx.Body.Inputs {
		in, err := DecodeInput(r)
		if err != nil {
			return nil, err
		}
		tx.Body.Inputs[i] = in
	}

	var nOutputs uint32
	if err := binary.Read(r, binary.BigEndian, &nOutputs); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read output count", err)
	}
	tx.Body.Outputs = make([]Output, nOutputs)
	for i := range tx.Body.Outputs {
		o, err := DecodeOutput(r)
		if err != nil {
			return nil, err
		}
		tx.Body.Outputs[i] = o
	}

	var nKernels uint32
	if err := binary.Read(r, binary.BigEndian, &nKernels); err != nil {
		return nil, errors.New(errors.ERR_BAD_DATA, "read kernel count", err)
	}
	tx.Body.Kernels = make([]Kernel, nKernels)
	for i := range tx.Body.Kernels {
		k, err := DecodeKernel(r, ver)
		if err != nil {
			return nil, err
		}
		tx.Body.Kernels[i] = k
	}

	return tx, nil
}
