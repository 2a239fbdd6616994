package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateConservation verifies that the batch's deltas sum to zero per unit.
func (v *InvariantValidator) ValidateConservation(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	sums := make(map[Unit]*big.Int)
	for _, d := range batch.Deltas() {
		u := d.Account.Unit()
		if sums[u] == nil {
			sums[u] = new(big.Int)
		}
		sums[u].Add(sums[u], d.Amount)
	}
	for u, sum := range sums {
		if sum.Sign() != 0 {
			return fmt.Errorf("tx %d is not conserved in %s: net %s", batch.TxID, u, sum)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the whole ledger is zero-sum per unit.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for u, total := range v.tracker.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", u, total)
		}
	}
	return nil
}
