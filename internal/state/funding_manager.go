package state

import (
	"errors"
	"fmt"
	"math/big"

	"BatchLedger/internal/ledger"
)

var ErrFundingIDMismatch = errors.New("funding rate id is not last+1")

// FundingManager tracks the system-wide funding sequence and the cumulative
// funding index per product. Funding settlement against positions happens
// outside the core; only the index is recorded here.
type FundingManager struct {
	lastID     uint64
	cumulative map[uint8]*big.Int
	undo       ledger.UndoRecorder
}

func NewFundingManager() *FundingManager {
	return &FundingManager{
		cumulative: make(map[uint8]*big.Int),
	}
}

func (fm *FundingManager) SetRecorder(r ledger.UndoRecorder) {
	fm.undo = r
}

// Update records a new cumulative funding index. The id must be exactly last+1.
func (fm *FundingManager) Update(product uint8, cumulative *big.Int, id uint64) error {
	if id != fm.lastID+1 {
		return fmt.Errorf("%w: expected=%d, got=%d", ErrFundingIDMismatch, fm.lastID+1, id)
	}

	prevID := fm.lastID
	prev, existed := fm.cumulative[product]
	fm.lastID = id
	fm.cumulative[product] = new(big.Int).Set(cumulative)

	if fm.undo != nil {
		fm.undo.Record(func() {
			fm.lastID = prevID
			if existed {
				fm.cumulative[product] = prev
			} else {
				delete(fm.cumulative, product)
			}
		})
	}
	return nil
}

func (fm *FundingManager) LastID() uint64 {
	return fm.lastID
}

// Cumulative returns the product's cumulative funding index (zero if never set).
func (fm *FundingManager) Cumulative(product uint8) *big.Int {
	if v, ok := fm.cumulative[product]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// GetAll returns all cumulative funding indexes (for snapshot creation)
func (fm *FundingManager) GetAll() map[uint8]*big.Int {
	result := make(map[uint8]*big.Int, len(fm.cumulative))
	for k, v := range fm.cumulative {
		result[k] = new(big.Int).Set(v)
	}
	return result
}

// Restore sets the funding state directly (used for snapshot restore)
func (fm *FundingManager) Restore(lastID uint64, cumulative map[uint8]*big.Int) {
	fm.lastID = lastID
	fm.cumulative = make(map[uint8]*big.Int, len(cumulative))
	for k, v := range cumulative {
		fm.cumulative[k] = new(big.Int).Set(v)
	}
}
