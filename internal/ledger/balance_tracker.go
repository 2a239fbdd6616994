package ledger

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "BatchLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var ErrBalanceOverflow = errors.New("balance outside signed 128-bit range")

// UndoRecorder receives inverse operations for every mutation so a batch can
// be rolled back. state.ChangeLog implements it.
type UndoRecorder interface {
	Record(undo func())
}

// BalanceTracker maintains in-memory account balances.
// Not thread-safe: owned by the engine, which serializes access.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
	totals   map[common.Address]*big.Int // sum of user spot balances per asset
	undo     UndoRecorder
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
		totals:   make(map[common.Address]*big.Int),
	}
}

// SetRecorder attaches the change log. A nil recorder disables undo tracking.
func (bt *BalanceTracker) SetRecorder(r UndoRecorder) {
	bt.undo = r
}

// ApplyBatch validates a batch and applies its deltas.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	return bt.ApplyDeltas(batch.Deltas())
}

// ApplyDeltas applies signed deltas all-or-nothing. Every resulting balance
// (and running total) is range-checked before anything is written.
// Conservation is the caller's responsibility.
func (bt *BalanceTracker) ApplyDeltas(deltas []Delta) error {
	next := make(map[AccountKey]*big.Int, len(deltas))
	order := make([]AccountKey, 0, len(deltas))
	nextTotals := make(map[common.Address]*big.Int)
	totalOrder := make([]common.Address, 0, 2)

	for _, d := range deltas {
		cur, ok := next[d.Account]
		if !ok {
			cur = bt.GetBalance(d.Account)
			order = append(order, d.Account)
		}
		cur = new(big.Int).Add(cur, d.Amount)
		if !fpmath.InRange(cur) {
			return fmt.Errorf("%w: account %s", ErrBalanceOverflow, d.Account)
		}
		next[d.Account] = cur

		if isUserSpot(d.Account) {
			total, ok := nextTotals[d.Account.Asset]
			if !ok {
				total = bt.TotalBalance(d.Account.Asset)
				totalOrder = append(totalOrder, d.Account.Asset)
			}
			total = new(big.Int).Add(total, d.Amount)
			if !fpmath.InRange(total) {
				return fmt.Errorf("%w: total balance of %s", ErrBalanceOverflow, d.Account.Asset.Hex())
			}
			nextTotals[d.Account.Asset] = total
		}
	}

	for _, key := range order {
		bt.set(key, next[key])
	}
	for _, asset := range totalOrder {
		bt.setTotal(asset, nextTotals[asset])
	}
	return nil
}

func (bt *BalanceTracker) set(key AccountKey, v *big.Int) {
	old, existed := bt.balances[key]
	bt.balances[key] = v
	if bt.undo != nil {
		bt.undo.Record(func() {
			if existed {
				bt.balances[key] = old
			} else {
				delete(bt.balances, key)
			}
		})
	}
}

func (bt *BalanceTracker) setTotal(asset common.Address, v *big.Int) {
	old, existed := bt.totals[asset]
	bt.totals[asset] = v
	if bt.undo != nil {
		bt.undo.Record(func() {
			if existed {
				bt.totals[asset] = old
			} else {
				delete(bt.totals, asset)
			}
		})
	}
}

func isUserSpot(k AccountKey) bool {
	return k.Scope == AccountScopeUser && k.SubType == SubTypeSpot
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// SpotBalance returns an account's free balance in an asset.
func (bt *BalanceTracker) SpotBalance(owner, asset common.Address) *big.Int {
	return bt.GetBalance(SpotAccount(owner, asset))
}

// Position returns the size and quote balance of an account's position.
func (bt *BalanceTracker) Position(owner common.Address, product uint8, settlement common.Address) (size, quote *big.Int) {
	return bt.GetBalance(PositionSizeAccount(owner, product)),
		bt.GetBalance(PositionQuoteAccount(owner, product, settlement))
}

// TotalBalance returns the sum of all user spot balances in an asset.
func (bt *BalanceTracker) TotalBalance(asset common.Address) *big.Int {
	if v, ok := bt.totals[asset]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per unit (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[Unit]*big.Int {
	totals := make(map[Unit]*big.Int)
	for key, balance := range bt.balances {
		u := key.Unit()
		if totals[u] == nil {
			totals[u] = new(big.Int)
		}
		totals[u].Add(totals[u], balance)
	}
	return totals
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances, recomputing running totals. Used on warm restart.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(balances))
	bt.totals = make(map[common.Address]*big.Int)
	for k, v := range balances {
		bt.balances[k] = new(big.Int).Set(v)
		if isUserSpot(k) {
			if bt.totals[k.Asset] == nil {
				bt.totals[k.Asset] = new(big.Int)
			}
			bt.totals[k.Asset].Add(bt.totals[k.Asset], v)
		}
	}
}
