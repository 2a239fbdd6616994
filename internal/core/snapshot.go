package core

import (
	"fmt"
	"math/big"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is the full engine state at a committed command boundary.
// Replaying commands after Sequence through Apply reproduces later state.
type SnapshotState struct {
	Sequence      int64       `json:"sequence"`
	EventSequence int64       `json:"event_sequence"`
	TxCounter     uint32      `json:"tx_counter"`
	StateHash     common.Hash `json:"state_hash"`
	Flags         Flags       `json:"flags"`

	Balances map[string]*big.Int `json:"balances"` // account path -> balance

	Delegations        []auth.Delegation `json:"delegations"`
	RegistrationNonces []auth.NonceEntry `json:"registration_nonces"`
	WithdrawNonces     []auth.NonceEntry `json:"withdraw_nonces"`
	SwapNonces         []auth.NonceEntry `json:"swap_nonces"`

	FundingLastID uint64                   `json:"funding_last_id"`
	Funding       map[uint8]*big.Int       `json:"funding"`
	Filled        map[common.Hash]*big.Int `json:"filled"`
}

// CreateSnapshotState captures the committed state.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances := e.balances.Snapshot()
	snap := &SnapshotState{
		Sequence:           e.sequence,
		EventSequence:      e.eventSeq,
		TxCounter:          e.txSeq.Current(),
		StateHash:          common.Hash(e.hasher.GetPrevHash()),
		Flags:              e.flags,
		Balances:           make(map[string]*big.Int, len(balances)),
		Delegations:        e.signers.Delegations(),
		RegistrationNonces: e.signers.Nonces().Entries(),
		WithdrawNonces:     e.withdraws.Entries(),
		SwapNonces:         e.swaps.Entries(),
		FundingLastID:      e.funding.LastID(),
		Funding:            e.funding.GetAll(),
		Filled:             make(map[common.Hash]*big.Int, len(e.filled)),
	}
	for key, v := range balances {
		snap.Balances[key.AccountPath()] = v
	}
	for hash, v := range e.filled {
		snap.Filled[hash] = new(big.Int).Set(v)
	}
	return snap
}

// RestoreFromSnapshot replaces the engine state. Only valid before the
// engine has applied any command.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	balances := make(map[ledger.AccountKey]*big.Int, len(snap.Balances))
	for path, v := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot balance %q: %w", path, err)
		}
		if v == nil {
			v = new(big.Int)
		}
		balances[key] = v
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sequence != 0 {
		return fmt.Errorf("restore into engine at sequence %d", e.sequence)
	}

	e.balances.Restore(balances)
	e.signers.Restore(snap.Delegations, snap.RegistrationNonces)
	e.withdraws.Restore(snap.WithdrawNonces)
	e.swaps.Restore(snap.SwapNonces)
	e.funding.Restore(snap.FundingLastID, snap.Funding)
	e.txSeq.Restore(snap.TxCounter)
	e.hasher.SetPrevHash(snap.StateHash)
	e.flags = snap.Flags

	e.filled = make(map[common.Hash]*big.Int, len(snap.Filled))
	for hash, v := range snap.Filled {
		e.filled[hash] = new(big.Int).Set(v)
	}

	e.sequence = snap.Sequence
	e.eventSeq = snap.EventSequence
	return nil
}
