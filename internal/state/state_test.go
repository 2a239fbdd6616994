package state_test

import (
	"math/big"
	"testing"

	"BatchLedger/internal/ledger"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trader = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc   = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func fund(t *testing.T, bt *ledger.BalanceTracker, key ledger.AccountKey, amount *big.Int) {
	t.Helper()
	b := ledger.NewBatch(0)
	b.Transfer(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, key.Asset), key, amount, ledger.JournalTypeDeposit)
	require.NoError(t, bt.ApplyBatch(b))
}

// ===== Test: ChangeLog =====

func TestChangeLog_RevertToMark(t *testing.T) {
	log := state.NewChangeLog()
	var trail []int

	log.Record(func() { trail = append(trail, 1) })
	mark := log.Mark()
	log.Record(func() { trail = append(trail, 2) })
	log.Record(func() { trail = append(trail, 3) })

	log.RevertTo(mark)
	assert.Equal(t, []int{3, 2}, trail, "newest first, stops at mark")
	assert.Equal(t, 1, log.Len())

	log.Commit()
	assert.Equal(t, 0, log.Len())
	log.RevertTo(0)
	assert.Equal(t, []int{3, 2}, trail, "committed entries are never undone")
}

// ===== Test: InsuranceFund =====

func TestInsuranceFund_DepositWithdraw(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fundSvc := state.NewInsuranceFund(bt)

	b := ledger.NewBatch(0)
	fundSvc.Deposit(b, usdc, fpmath.Int(1000))
	require.NoError(t, bt.ApplyBatch(b))
	assert.Equal(t, fpmath.Int(1000), fundSvc.Balance(usdc))

	b = ledger.NewBatch(1)
	require.NoError(t, fundSvc.Withdraw(b, usdc, fpmath.Int(400)))
	require.NoError(t, bt.ApplyBatch(b))
	assert.Equal(t, fpmath.Int(600), fundSvc.Balance(usdc))

	err := fundSvc.Withdraw(ledger.NewBatch(2), usdc, fpmath.Int(601))
	assert.ErrorIs(t, err, state.ErrInsufficientInsurance)
}

func TestInsuranceFund_CoverLoss(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fundSvc := state.NewInsuranceFund(bt)
	fund(t, bt, state.InsuranceAccount(usdc), fpmath.Int(100))

	// No loss yet
	err := fundSvc.CoverLoss(ledger.NewBatch(0), trader, usdc, fpmath.Int(1))
	require.ErrorIs(t, err, state.ErrNoLossToCover)

	// Drive trader to -30
	b := ledger.NewBatch(0)
	b.Transfer(ledger.SpotAccount(trader, usdc), ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, usdc), fpmath.Int(30), ledger.JournalTypeWithdrawal)
	require.NoError(t, bt.ApplyBatch(b))

	err = fundSvc.CoverLoss(ledger.NewBatch(1), trader, usdc, fpmath.Int(31))
	require.ErrorIs(t, err, state.ErrCoverExceedsLoss)

	b = ledger.NewBatch(1)
	require.NoError(t, fundSvc.CoverLoss(b, trader, usdc, fpmath.Int(30)))
	require.NoError(t, bt.ApplyBatch(b))
	assert.Equal(t, 0, bt.SpotBalance(trader, usdc).Sign())
	assert.Equal(t, fpmath.Int(70), fundSvc.Balance(usdc))
}

func TestInsuranceFund_CoverLossBoundedByFund(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fundSvc := state.NewInsuranceFund(bt)
	fund(t, bt, state.InsuranceAccount(usdc), fpmath.Int(10))

	b := ledger.NewBatch(0)
	b.Transfer(ledger.SpotAccount(trader, usdc), ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, usdc), fpmath.Int(50), ledger.JournalTypeWithdrawal)
	require.NoError(t, bt.ApplyBatch(b))

	err := fundSvc.CoverLoss(ledger.NewBatch(1), trader, usdc, fpmath.Int(20))
	assert.ErrorIs(t, err, state.ErrInsufficientInsurance)
}

// ===== Test: FeePools =====

func TestFeePools_DrainLeavesZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	pools := state.NewFeePools(bt)
	fund(t, bt, state.FeePoolAccount(state.FeeKindSequencer, usdc), big.NewInt(5_000_000_000_000))

	b := ledger.NewBatch(0)
	drained := pools.Drain(b, state.FeeKindSequencer, usdc)
	require.NoError(t, bt.ApplyBatch(b))

	assert.Equal(t, int64(5_000_000_000_000), drained.Int64())
	assert.Equal(t, 0, pools.Balance(state.FeeKindSequencer, usdc).Sign())
	assert.Equal(t, 0, pools.Drain(ledger.NewBatch(1), state.FeeKindTrading, usdc).Sign())
}

// ===== Test: FundingManager =====

func TestFundingManager_StrictSequence(t *testing.T) {
	fm := state.NewFundingManager()
	log := state.NewChangeLog()
	fm.SetRecorder(log)

	require.NoError(t, fm.Update(1, big.NewInt(-7), 1))
	assert.ErrorIs(t, fm.Update(1, big.NewInt(3), 1), state.ErrFundingIDMismatch, "replay")
	assert.ErrorIs(t, fm.Update(1, big.NewInt(3), 3), state.ErrFundingIDMismatch, "gap")

	mark := log.Mark()
	require.NoError(t, fm.Update(2, big.NewInt(9), 2))
	log.RevertTo(mark)

	assert.Equal(t, uint64(1), fm.LastID())
	assert.Equal(t, int64(-7), fm.Cumulative(1).Int64())
	assert.Equal(t, 0, fm.Cumulative(2).Sign())
}

// ===== Test: MarketRegistry =====

func TestMarketRegistry(t *testing.T) {
	r := state.NewMarketRegistry()

	require.Error(t, r.AddAsset(&state.Asset{Address: usdc, Symbol: "USDC", Decimals: 37, MaxWithdrawFeeRate: big.NewInt(0)}))
	require.NoError(t, r.AddAsset(&state.Asset{Address: usdc, Symbol: "USDC", Decimals: 24, MaxWithdrawFeeRate: big.NewInt(0)}))
	require.NoError(t, r.AddAsset(&state.Asset{Address: usdc, Symbol: "USDC", Decimals: 6, MaxWithdrawFeeRate: big.NewInt(0)}))

	require.ErrorIs(t, r.AddProduct(&state.Product{Index: 1, SettlementAsset: trader}), state.ErrUnsupportedAsset)
	require.NoError(t, r.AddProduct(&state.Product{Index: 1, Symbol: "BTC-PERP", SettlementAsset: usdc}))
	require.Error(t, r.AddProduct(&state.Product{Index: 1, SettlementAsset: usdc}))

	_, err := r.Product(2)
	assert.ErrorIs(t, err, state.ErrUnknownProduct)
	_, err = r.Asset(trader)
	assert.ErrorIs(t, err, state.ErrUnsupportedAsset)
	assert.Len(t, r.Assets(), 1)
}
