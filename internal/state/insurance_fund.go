package state

import (
	"errors"
	"fmt"
	"math/big"

	"BatchLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientInsurance = errors.New("insufficient insurance fund")
	ErrNoLossToCover         = errors.New("account has no loss to cover")
	ErrCoverExceedsLoss      = errors.New("cover amount exceeds account loss")
)

// InsuranceFund is the clearing service. Balances live in the ledger under
// system:insurance_fund:<asset>; this type validates moves and writes the
// journals for them into a batch. Nothing is applied until the caller applies
// the batch.
type InsuranceFund struct {
	tracker *ledger.BalanceTracker
}

func NewInsuranceFund(tracker *ledger.BalanceTracker) *InsuranceFund {
	return &InsuranceFund{tracker: tracker}
}

func InsuranceAccount(asset common.Address) ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.SubTypeInsuranceFund, asset)
}

func (f *InsuranceFund) Balance(asset common.Address) *big.Int {
	return f.tracker.GetBalance(InsuranceAccount(asset))
}

// Deposit moves funds from outside the venue into the fund.
func (f *InsuranceFund) Deposit(b *ledger.Batch, asset common.Address, amount *big.Int) {
	b.Transfer(ledger.NewExternalAccountKey(ledger.SubTypeExternalInsurance, asset),
		InsuranceAccount(asset), amount, ledger.JournalTypeInsuranceDeposit)
}

// Withdraw moves funds out of the fund. The amount is bounded by the current balance.
func (f *InsuranceFund) Withdraw(b *ledger.Batch, asset common.Address, amount *big.Int) error {
	if balance := f.Balance(asset); balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientInsurance, balance, amount)
	}
	b.Transfer(InsuranceAccount(asset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalInsurance, asset), amount, ledger.JournalTypeInsuranceWithdraw)
	return nil
}

// CoverLoss credits an account whose spot balance is negative. The amount may
// not exceed the magnitude of the loss nor the fund's balance.
func (f *InsuranceFund) CoverLoss(b *ledger.Batch, account, asset common.Address, amount *big.Int) error {
	balance := f.tracker.SpotBalance(account, asset)
	if balance.Sign() >= 0 {
		return fmt.Errorf("%w: %s balance %s", ErrNoLossToCover, account.Hex(), balance)
	}
	loss := new(big.Int).Neg(balance)
	if amount.Cmp(loss) > 0 {
		return fmt.Errorf("%w: loss %s, amount %s", ErrCoverExceedsLoss, loss, amount)
	}
	if fund := f.Balance(asset); fund.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientInsurance, fund, amount)
	}
	b.Transfer(InsuranceAccount(asset), ledger.SpotAccount(account, asset), amount, ledger.JournalTypeInsuranceCover)
	return nil
}

// CollectPenalty moves a liquidation penalty from the liquidated account into the fund.
func (f *InsuranceFund) CollectPenalty(b *ledger.Batch, from ledger.AccountKey, amount *big.Int) {
	b.Transfer(from, InsuranceAccount(from.Asset), amount, ledger.JournalTypeLiquidationPenalty)
}
