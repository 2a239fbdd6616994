package state

import (
	"math/big"

	"BatchLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// FeeKind selects one of the two fee pools.
type FeeKind uint8

const (
	FeeKindTrading FeeKind = iota
	FeeKindSequencer
)

func (k FeeKind) String() string {
	if k == FeeKindSequencer {
		return "sequencer"
	}
	return "trading"
}

func FeePoolAccount(kind FeeKind, asset common.Address) ledger.AccountKey {
	if kind == FeeKindSequencer {
		return ledger.NewSystemAccountKey(ledger.SubTypeSequencerFees, asset)
	}
	return ledger.NewSystemAccountKey(ledger.SubTypeTradingFees, asset)
}

// FeePools reads and drains the trading and sequencer fee pools.
type FeePools struct {
	tracker *ledger.BalanceTracker
}

func NewFeePools(tracker *ledger.BalanceTracker) *FeePools {
	return &FeePools{tracker: tracker}
}

func (p *FeePools) Balance(kind FeeKind, asset common.Address) *big.Int {
	return p.tracker.GetBalance(FeePoolAccount(kind, asset))
}

// Drain zeroes a pool into external:claims and returns the drained amount.
// A pool may be negative after net maker rebates; it is then left as is and
// zero is returned.
func (p *FeePools) Drain(b *ledger.Batch, kind FeeKind, asset common.Address) *big.Int {
	balance := p.Balance(kind, asset)
	if balance.Sign() <= 0 {
		return new(big.Int)
	}
	b.Transfer(FeePoolAccount(kind, asset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalClaims, asset), balance, ledger.JournalTypeFeeClaim)
	return balance
}
