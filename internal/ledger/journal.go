package ledger

import (
	"fmt"
	"math/big"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeWithdrawalFee
	JournalTypeTradeSize
	JournalTypeTradeNotional
	JournalTypeTradeFee
	JournalTypeMakerRebate
	JournalTypeSequencerFee
	JournalTypeReferralRebate
	JournalTypeLiquidationPenalty
	JournalTypeInsuranceDeposit
	JournalTypeInsuranceWithdraw
	JournalTypeInsuranceCover
	JournalTypeFeeClaim
	JournalTypeSwapIn
	JournalTypeSwapOut
	JournalTypeSwapFee
)

var journalTypeNames = [...]string{
	"deposit",
	"withdrawal",
	"withdrawal_fee",
	"trade_size",
	"trade_notional",
	"trade_fee",
	"maker_rebate",
	"sequencer_fee",
	"referral_rebate",
	"liquidation_penalty",
	"insurance_deposit",
	"insurance_withdraw",
	"insurance_cover",
	"fee_claim",
	"swap_in",
	"swap_out",
	"swap_fee",
}

func (t JournalType) String() string {
	if int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return "unknown"
}

// Journal is a single double-entry transfer: Amount moves from CreditAccount
// to DebitAccount. Amount is always positive.
type Journal struct {
	TxID          uint32
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        *big.Int
	JournalType   JournalType
}

// Batch is the balanced set of journal entries produced by one operation.
type Batch struct {
	TxID     uint32
	Journals []Journal
}

// NewBatch starts an empty batch for a transaction.
func NewBatch(txID uint32) *Batch {
	return &Batch{TxID: txID}
}

// Transfer appends a journal moving amount from credit to debit. Zero amounts
// are skipped so callers can pass optional legs unconditionally.
func (b *Batch) Transfer(credit, debit AccountKey, amount *big.Int, jt JournalType) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if amount.Sign() < 0 {
		// A negative leg is the same transfer in the other direction.
		credit, debit = debit, credit
		amount = new(big.Int).Neg(amount)
	}
	b.Journals = append(b.Journals, Journal{
		TxID:          b.TxID,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
	})
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount between two accounts of the same unit, so every batch is zero-sum
// per unit by construction.
func (b *Batch) Validate() error {
	for i, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %d (%s) has non-positive amount", i, j.JournalType)
		}
		if j.TxID != b.TxID {
			return fmt.Errorf("journal %d has mismatched tx id %d != %d", i, j.TxID, b.TxID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %d has same debit and credit account %s", i, j.DebitAccount)
		}
		if j.DebitAccount.Unit() != j.CreditAccount.Unit() {
			return fmt.Errorf("journal %d moves between units %s and %s",
				i, j.CreditAccount.Unit(), j.DebitAccount.Unit())
		}
	}
	return nil
}

// Delta is a signed change to one account.
type Delta struct {
	Account AccountKey
	Amount  *big.Int
}

// Deltas expands the batch into per-account signed deltas, in journal order.
func (b *Batch) Deltas() []Delta {
	deltas := make([]Delta, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		deltas = append(deltas,
			Delta{Account: j.DebitAccount, Amount: new(big.Int).Set(j.Amount)},
			Delta{Account: j.CreditAccount, Amount: new(big.Int).Neg(j.Amount)},
		)
	}
	return deltas
}

// Touched returns every account the batch moves, deduplicated, in first-seen order.
func (b *Batch) Touched() []AccountKey {
	seen := make(map[AccountKey]struct{}, len(b.Journals)*2)
	keys := make([]AccountKey, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}
