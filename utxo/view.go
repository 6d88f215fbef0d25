// Package utxo implements C7: a read-only view over the chain state
// engine's current unspent-output set, used by pool admission and block
// validation to resolve input commitments and enforce coinbase maturity
// without exposing the mutating Extension surface.
package utxo

import (
	"github.com/mw-labs/mwnode/chaincfg"
	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/txhashset"
)

// View resolves commitments against a TxHashSet bundle's current state
// (it does not pin a historical size), the way §4.4's apply_block and §4.7's
// pool admission both need to check "is this commitment a live,
// spendable output" without duplicating the commit index.
type View struct {
	ths    *txhashset.TxHashSet
	params *chaincfg.Params
}

// New binds a view to ths using params for maturity checks.
func New(ths *txhashset.TxHashSet, params *chaincfg.Params) *View {
	return &View{ths: ths, params: params}
}

// Resolved is what a successful input resolution yields: the output's
// MMR position and the height it was created at, needed both to prune
// it and to check coinbase maturity.
type Resolved struct {
	Pos    uint64
	Height uint64
}

// ResolveInput looks up commit's current output position, returning
// ERR_ALREADY_SPENT if it does not resolve to a live output (§4.4 step 2,
// §4.7 step 2 "resolve against the current UTXO view").
func (v *View) ResolveInput(commit core.Commitment) (Resolved, error) {
	cp, ok := v.ths.ResolveOutputPos(commit)
	if !ok {
		return Resolved{}, errors.New(errors.ERR_ALREADY_SPENT, "commitment %s is not a live output", commit)
	}
	return Resolved{Pos: cp.Pos, Height: cp.Height}, nil
}

// IsUnspent reports whether commit currently resolves to a live output,
// without erroring when it does not — used by read-mostly callers (e.g.
// the pool's reorg-cache replay deciding which cached transactions still
// apply) that branch rather than propagate an error.
func (v *View) IsUnspent(commit core.Commitment) bool {
	_, ok := v.ths.ResolveOutputPos(commit)
	return ok
}

// CheckMature verifies a coinbase output created at createdHeight has
// accumulated CoinbaseMaturity confirmations as of spendHeight (§4.7
// step 3 "coinbase maturity").
func (v *View) CheckMature(features core.OutputFeatures, createdHeight, spendHeight uint64) error {
	if features != core.OutputCoinbase {
		return nil
	}
	if spendHeight < createdHeight+v.params.CoinbaseMaturity {
		return errors.New(errors.ERR_IMMATURE_COINBASE,
			"coinbase output created at height %d is not mature at height %d (requires %d confirmations)",
			createdHeight, spendHeight, v.params.CoinbaseMaturity)
	}
	return nil
}

// ResolveAndCheckMature combines ResolveInput with CheckMature for the
// common "resolve this input and enforce maturity if it's a coinbase"
// call a body-level input check makes; it needs the input's declared
// features out-of-band since the output MMR only stores the identifier,
// which the caller has already read via GetData when it needs to branch
// on Features — most callers only need ResolveInput followed by a
// Prune, and use this when they also hold the resolved OutputIdentifier.
func (v *View) ResolveAndCheckMature(commit core.Commitment, features core.OutputFeatures, spendHeight uint64) (Resolved, error) {
	r, err := v.ResolveInput(commit)
	if err != nil {
		return Resolved{}, err
	}
	if err := v.CheckMature(features, r.Height, spendHeight); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

// ResolveInputAndCheckMature is ResolveAndCheckMature for a caller that
// only has a bare commitment (§4.7 pool admission never sees features: a
// core.Input wire-encodes only the commitment), so it reads the output
// leaf's own stored identifier back out of the MMR to recover Features
// before checking maturity against it.
func (v *View) ResolveInputAndCheckMature(commit core.Commitment, spendHeight uint64) (Resolved, error) {
	r, err := v.ResolveInput(commit)
	if err != nil {
		return Resolved{}, err
	}
	data, ok, err := v.ths.Output.GetData(r.Pos)
	if err != nil {
		return Resolved{}, errors.New(errors.ERR_STORE, "read output leaf %d", r.Pos, err)
	}
	if !ok {
		return Resolved{}, errors.New(errors.ERR_STORE, "output leaf %d pruned before maturity check", r.Pos)
	}
	oid, err := core.OutputIdentifierFromBytes(data)
	if err != nil {
		return Resolved{}, errors.New(errors.ERR_BAD_DATA, "decode output identifier at %d", r.Pos, err)
	}
	if err := v.CheckMature(oid.Features, r.Height, spendHeight); err != nil {
		return Resolved{}, err
	}
	return r, nil
}
