package core_test

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/core"
	"BatchLedger/internal/event"
	"BatchLedger/internal/state"
	"BatchLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var (
	usdc         = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	weth         = common.HexToAddress("0x000000000000000000000000000000000000e7e7")
	admin        = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	custodian    = common.HexToAddress("0x00000000000000000000000000000000000000c5")
	sequencer    = common.HexToAddress("0x000000000000000000000000000000000000005e")
	feeRecipient = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	referrer     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

const btcPerp uint8 = 1

type fixture struct {
	t      *testing.T
	engine *core.Engine
	domain auth.Domain
	alice  testutil.Key
	bob    testutil.Key
	refs   int
}

func newFixture(t *testing.T, opts ...func(*core.Dependencies)) *fixture {
	t.Helper()

	markets := state.NewMarketRegistry()
	require.NoError(t, markets.AddAsset(&state.Asset{Address: usdc, Symbol: "USDC", Decimals: 6, MaxWithdrawFeeRate: big.NewInt(1e16)}))
	require.NoError(t, markets.AddAsset(&state.Asset{Address: weth, Symbol: "WETH", Decimals: 18, MaxWithdrawFeeRate: big.NewInt(1e16)}))
	require.NoError(t, markets.AddProduct(&state.Product{Index: btcPerp, Symbol: "BTC-PERP", SettlementAsset: usdc}))

	deps := core.Dependencies{
		Roles: core.StaticRoles{
			core.RoleAdmin:     {admin},
			core.RoleCustodian: {custodian},
			core.RoleSequencer: {sequencer},
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	domain := testutil.TestDomain()
	engine := core.NewEngine(core.Params{
		Domain:       domain,
		FeeRecipient: feeRecipient,
		AltFeeAsset:  weth,
		Flags:        core.Flags{DepositsEnabled: true, WithdrawalsEnabled: true},
	}, markets, deps)

	return &fixture{
		t:      t,
		engine: engine,
		domain: domain,
		alice:  testutil.KeyFromSeed(t, "alice"),
		bob:    testutil.KeyFromSeed(t, "bob"),
	}
}

// deposit credits raw units of asset (native decimals).
func (f *fixture) deposit(account, asset common.Address, raw int64) {
	f.t.Helper()
	f.refs++
	_, err := f.engine.Deposit(custodian, core.DepositRequest{
		Account:   account,
		Asset:     asset,
		RawAmount: big.NewInt(raw),
		Reference: fmt.Sprintf("0xdeposit%d", f.refs),
	})
	require.NoError(f.t, err)
}

func (f *fixture) batch(ops ...core.Operation) (*core.Output, error) {
	f.t.Helper()
	return f.engine.ProcessBatch(sequencer, testutil.Records(f.t, f.engine.TxCounter(), ops...))
}

func (f *fixture) mustBatch(ops ...core.Operation) *core.Output {
	f.t.Helper()
	out, err := f.batch(ops...)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) order(key testutil.Key, side core.Side, size, price, fee *big.Int, nonce uint64) core.Order {
	f.t.Helper()
	o := core.Order{
		Sender:       key.Address,
		Size:         size,
		Price:        price,
		Nonce:        nonce,
		ProductIndex: btcPerp,
		Side:         side,
		Fee:          fee,
	}
	testutil.SignOrder(f.t, f.domain, key, &o)
	return o
}

func (f *fixture) withdraw(key testutil.Key, asset common.Address, amount, fee *big.Int, nonce uint64) *core.Withdraw {
	f.t.Helper()
	w := &core.Withdraw{Account: key.Address, Asset: asset, Amount: amount, Nonce: nonce, Fee: fee}
	testutil.SignWithdraw(f.t, f.domain, key, w)
	return w
}

func (f *fixture) quote(account common.Address) *big.Int {
	f.t.Helper()
	_, quote, err := f.engine.Position(account, btcPerp)
	require.NoError(f.t, err)
	return quote
}

func (f *fixture) size(account common.Address) *big.Int {
	f.t.Helper()
	size, _, err := f.engine.Position(account, btcPerp)
	require.NoError(f.t, err)
	return size
}

func e18(n int64) *big.Int { return testutil.E18(n) }

func assertBig(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want.String(), got.String(), msgAndArgs...)
}

func requireKind(t *testing.T, err error, kind core.Kind) *core.Error {
	t.Helper()
	require.Error(t, err)
	var ce *core.Error
	require.True(t, errors.As(err, &ce), "want *core.Error, got %T: %v", err, err)
	assert.Equal(t, kind, ce.Kind, "error: %v", err)
	return ce
}

func eventsOfType[T event.Event](out *core.Output) []T {
	var found []T
	for _, evt := range out.Events {
		if e, ok := evt.(T); ok {
			found = append(found, e)
		}
	}
	return found
}

// ============================================================================
// Test: Transaction sequencing
// ============================================================================

func TestProcessBatch_TxIDGapAbortsWholeBatch(t *testing.T) {
	f := newFixture(t)

	good, err := core.EncodeRecord(0, &core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(1), FundingRateID: 1})
	require.NoError(t, err)
	gap, err := core.EncodeRecord(5, &core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(2), FundingRateID: 2})
	require.NoError(t, err)
	hashBefore := f.engine.StateHash()

	_, err = f.engine.ProcessBatch(sequencer, [][]byte{good, gap})
	ce := requireKind(t, err, core.KindSequencing)
	assert.ErrorIs(t, err, core.ErrTxIDMismatch)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, uint32(5), ce.TxID)

	// Nothing from the first record survives.
	assert.Equal(t, uint32(0), f.engine.TxCounter())
	lastID, cumulative := f.engine.Funding(btcPerp)
	assert.Equal(t, uint64(0), lastID)
	assert.Zero(t, cumulative.Sign())
	assert.Equal(t, hashBefore, f.engine.StateHash())
	assert.Equal(t, int64(0), f.engine.Sequence())

	stale, gaps := f.engine.TxIDRejections()
	assert.Equal(t, int64(0), stale)
	assert.Equal(t, int64(1), gaps)
}

func TestProcessBatch_StaleTxIDRejected(t *testing.T) {
	f := newFixture(t)
	f.mustBatch(&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(1), FundingRateID: 1})
	require.Equal(t, uint32(1), f.engine.TxCounter())

	replay := testutil.Records(t, 0, &core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(1), FundingRateID: 2})
	_, err := f.engine.ProcessBatch(sequencer, replay)
	requireKind(t, err, core.KindSequencing)
	assert.Equal(t, uint32(1), f.engine.TxCounter())

	stale, _ := f.engine.TxIDRejections()
	assert.Equal(t, int64(1), stale)
}

func TestProcessBatch_CounterAdvancesPerRecord(t *testing.T) {
	f := newFixture(t)

	out := f.mustBatch(
		&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(1), FundingRateID: 1},
		&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(-3), FundingRateID: 2},
		&core.ClaimFees{Kind: state.FeeKindTrading},
	)

	assert.Equal(t, uint32(0), out.FirstTxID)
	assert.Equal(t, uint32(3), out.NextTxID)
	assert.Equal(t, uint32(3), f.engine.TxCounter())

	lastID, cumulative := f.engine.Funding(btcPerp)
	assert.Equal(t, uint64(2), lastID)
	assertBig(t, e18(-3), cumulative)
}

func TestProcessBatch_EmptyBatchRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ProcessBatch(sequencer, nil)
	requireKind(t, err, core.KindValidation)
	assert.ErrorIs(t, err, core.ErrEmptyBatch)
}

func TestProcessBatch_DeprecatedAndUnknownOpcodes(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ProcessBatch(sequencer, [][]byte{{5, 0, 0, 0, 0}})
	assert.ErrorIs(t, err, core.ErrDeprecatedOpcode)

	_, err = f.engine.ProcessBatch(sequencer, [][]byte{{42, 0, 0, 0, 0}})
	assert.ErrorIs(t, err, core.ErrUnknownOpcode)

	_, err = f.engine.ProcessBatch(sequencer, [][]byte{{1, 0}})
	assert.ErrorIs(t, err, core.ErrMalformedRecord)

	assert.Equal(t, uint32(0), f.engine.TxCounter())
}

// ============================================================================
// Test: Funding sequence
// ============================================================================

func TestUpdateFundingRate_IDMustBeNext(t *testing.T) {
	f := newFixture(t)
	f.mustBatch(&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(1), FundingRateID: 1})

	_, err := f.batch(&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(2), FundingRateID: 3})
	requireKind(t, err, core.KindSequencing)
	assert.ErrorIs(t, err, state.ErrFundingIDMismatch)

	_, err = f.batch(&core.UpdateFundingRate{ProductIndex: 9, CumulativeFunding: e18(2), FundingRateID: 2})
	assert.ErrorIs(t, err, state.ErrUnknownProduct)

	out := f.mustBatch(&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(2), FundingRateID: 2})
	updates := eventsOfType[*event.FundingRateUpdated](out)
	require.Len(t, updates, 1)
	assert.Equal(t, uint64(2), updates[0].FundingRateID)
}

// ============================================================================
// Test: Feature flags and roles
// ============================================================================

func TestPause_BlocksBatchesDepositsAndRegistrations(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SetPaused(f.alice.Address, true)
	requireKind(t, err, core.KindAuthorization)
	assert.ErrorIs(t, err, core.ErrMissingRole)

	out, err := f.engine.SetPaused(admin, true)
	require.NoError(t, err)
	require.Len(t, eventsOfType[*event.EngineFlagsChanged](out), 1)
	assert.True(t, f.engine.Flags().Paused)

	_, err = f.batch(&core.ClaimFees{Kind: state.FeeKindTrading})
	requireKind(t, err, core.KindFeatureDisabled)
	assert.ErrorIs(t, err, core.ErrPaused)

	_, err = f.engine.Deposit(custodian, core.DepositRequest{Account: f.alice.Address, Asset: usdc, RawAmount: big.NewInt(1), Reference: "r"})
	assert.ErrorIs(t, err, core.ErrPaused)

	signer := testutil.KeyFromSeed(t, "alice-hot")
	req, consent := testutil.SignRegistration(t, f.domain, f.alice, signer, "hot wallet", 1)
	_, err = f.engine.RegisterSigningWallet(f.alice.Address, req, consent)
	assert.ErrorIs(t, err, core.ErrPaused)

	_, err = f.engine.SetPaused(admin, false)
	require.NoError(t, err)
	f.mustBatch(&core.ClaimFees{Kind: state.FeeKindTrading})
}

func TestProcessBatch_RequiresSequencer(t *testing.T) {
	f := newFixture(t)
	f.deposit(f.alice.Address, usdc, 1_000_000_000)
	f.deposit(f.bob.Address, usdc, 1_000_000_000)

	// A forged liquidation of alice at 1 wei plus an insurance drain.
	victim := liquidated(core.Order{
		Sender: f.alice.Address, Size: e18(100), Price: big.NewInt(1), Nonce: 1,
		ProductIndex: btcPerp, Side: core.SideSell,
	})
	bid := f.order(f.bob, core.SideBuy, e18(100), big.NewInt(1), nil, 1)
	forged := testutil.Records(t, 0,
		&core.MatchOrders{Maker: bid, Taker: victim, Liquidation: true, LiquidationPenalty: e18(1)},
		&core.DepositInsuranceFund{Asset: usdc, Amount: e18(1)},
		&core.WithdrawInsuranceFund{Asset: usdc, Amount: e18(1)},
	)
	hashBefore := f.engine.StateHash()

	outsider := common.HexToAddress("0x000000000000000000000000000000000000beef")
	for _, caller := range []common.Address{outsider, admin, custodian, {}} {
		_, err := f.engine.ProcessBatch(caller, forged)
		ce := requireKind(t, err, core.KindAuthorization)
		assert.ErrorIs(t, err, core.ErrMissingRole)
		assert.Equal(t, -1, ce.Index)
	}

	assert.Equal(t, hashBefore, f.engine.StateHash())
	assert.Equal(t, uint32(0), f.engine.TxCounter())
	assert.Zero(t, f.size(f.alice.Address).Sign())
	assertBig(t, e18(1000), f.engine.Balance(f.alice.Address, usdc))
	assert.Zero(t, f.engine.InsuranceFund(usdc).Sign())
}

func TestProcessBatch_RoleCheckPrecedesPause(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetPaused(admin, true)
	require.NoError(t, err)

	_, err = f.engine.ProcessBatch(f.alice.Address, testutil.Records(t, 0, &core.ClaimFees{Kind: state.FeeKindTrading}))
	requireKind(t, err, core.KindAuthorization)
	assert.ErrorIs(t, err, core.ErrMissingRole)

	_, err = f.engine.ProcessBatch(sequencer, testutil.Records(t, 0, &core.ClaimFees{Kind: state.FeeKindTrading}))
	assert.ErrorIs(t, err, core.ErrPaused)
}

func TestProcessBatch_SequencerApplies(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.ProcessBatch(sequencer, testutil.Records(t, 0,
		&core.DepositInsuranceFund{Asset: usdc, Amount: e18(2)},
		&core.WithdrawInsuranceFund{Asset: usdc, Amount: e18(1)},
	))
	require.NoError(t, err)
	assert.Equal(t, sequencer, out.Command.Caller)
	assert.Equal(t, uint32(2), f.engine.TxCounter())
	assertBig(t, e18(1), f.engine.InsuranceFund(usdc))
}

func TestDeposit_RequiresCustodianAndEnabledFlag(t *testing.T) {
	f := newFixture(t)
	req := core.DepositRequest{Account: f.alice.Address, Asset: usdc, RawAmount: big.NewInt(5_000_000), Reference: "0xabc"}

	_, err := f.engine.Deposit(f.alice.Address, req)
	requireKind(t, err, core.KindAuthorization)

	_, err = f.engine.SetDepositsEnabled(admin, false)
	require.NoError(t, err)
	_, err = f.engine.Deposit(custodian, req)
	requireKind(t, err, core.KindFeatureDisabled)
	assert.ErrorIs(t, err, core.ErrDepositsDisabled)

	_, err = f.engine.SetDepositsEnabled(admin, true)
	require.NoError(t, err)
	out, err := f.engine.Deposit(custodian, req)
	require.NoError(t, err)

	assertBig(t, e18(5), f.engine.Balance(f.alice.Address, usdc))
	assertBig(t, e18(5), f.engine.TotalBalance(usdc))
	deposits := eventsOfType[*event.Deposited](out)
	require.Len(t, deposits, 1)
	assertBig(t, big.NewInt(5_000_000), deposits[0].RawAmount)
}

func TestDeposit_RejectsZeroAndUnsupportedAsset(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Deposit(custodian, core.DepositRequest{Account: f.alice.Address, Asset: usdc, RawAmount: big.NewInt(0)})
	assert.ErrorIs(t, err, core.ErrZeroAmount)

	_, err = f.engine.Deposit(custodian, core.DepositRequest{Account: f.alice.Address, Asset: admin, RawAmount: big.NewInt(1)})
	assert.ErrorIs(t, err, state.ErrUnsupportedAsset)
}

func TestDeposit_FineGrainedAssetDust(t *testing.T) {
	wide := common.HexToAddress("0x0000000000000000000000000000000000000024")
	markets := state.NewMarketRegistry()
	require.NoError(t, markets.AddAsset(&state.Asset{Address: wide, Symbol: "WIDE", Decimals: 24, MaxWithdrawFeeRate: big.NewInt(0)}))
	engine := core.NewEngine(core.Params{
		Domain: testutil.TestDomain(),
		Flags:  core.Flags{DepositsEnabled: true, WithdrawalsEnabled: true},
	}, markets, core.Dependencies{Roles: core.StaticRoles{core.RoleCustodian: {custodian}}})
	alice := testutil.KeyFromSeed(t, "alice").Address

	_, err := engine.Deposit(custodian, core.DepositRequest{Account: alice, Asset: wide, RawAmount: big.NewInt(999_999), Reference: "0xdust"})
	requireKind(t, err, core.KindValidation)
	assert.ErrorIs(t, err, core.ErrZeroAmount)
	assert.Equal(t, int64(0), engine.Sequence())

	// 2.5 units plus sub-1e-18 dust credits 2.5.
	raw, _ := new(big.Int).SetString("2500000000000000000000123", 10)
	out, err := engine.Deposit(custodian, core.DepositRequest{Account: alice, Asset: wide, RawAmount: raw, Reference: "0xwide"})
	require.NoError(t, err)
	assertBig(t, big.NewInt(25e17), engine.Balance(alice, wide))
	deposits := eventsOfType[*event.Deposited](out)
	require.Len(t, deposits, 1)
	assertBig(t, raw, deposits[0].RawAmount)
	require.NoError(t, engine.CheckConservation())
}

// ============================================================================
// Test: Conservation and hash chain
// ============================================================================

func TestConservation_HoldsAcrossMixedActivity(t *testing.T) {
	f := newFixture(t)
	f.deposit(f.alice.Address, usdc, 10_000_000_000)
	f.deposit(f.bob.Address, usdc, 10_000_000_000)

	maker := f.order(f.alice, core.SideBuy, e18(2), e18(100), big.NewInt(1e12), 1)
	taker := f.order(f.bob, core.SideSell, e18(2), e18(90), big.NewInt(2e12), 1)

	f.mustBatch(
		&core.MatchOrders{Maker: maker, Taker: taker, SequencerFee: big.NewInt(1e12)},
		f.withdraw(f.alice, usdc, e18(50), e18(0), 1),
		&core.DepositInsuranceFund{Asset: usdc, Amount: e18(1000)},
		&core.ClaimFees{Kind: state.FeeKindTrading},
		&core.ClaimFees{Kind: state.FeeKindSequencer},
	)

	require.NoError(t, f.engine.CheckConservation())
	assertBig(t, e18(1000), f.engine.InsuranceFund(usdc))
	assert.Zero(t, f.engine.FeePool(state.FeeKindTrading, usdc).Sign())
}

func TestStateHash_DeterministicAcrossEngines(t *testing.T) {
	run := func() [32]byte {
		f := newFixture(t)
		f.deposit(f.alice.Address, usdc, 1_000_000)
		f.mustBatch(
			&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(7), FundingRateID: 1},
			f.withdraw(f.alice, usdc, e18(1), nil, 1),
		)
		return f.engine.StateHash()
	}

	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.NotEqual(t, [32]byte{}, first)
}

func TestStateHash_ChangesPerCommand(t *testing.T) {
	f := newFixture(t)
	h0 := f.engine.StateHash()
	f.deposit(f.alice.Address, usdc, 1)
	h1 := f.engine.StateHash()
	f.deposit(f.alice.Address, usdc, 1)
	h2 := f.engine.StateHash()

	assert.NotEqual(t, h0, h1)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, int64(2), f.engine.Sequence())
}

func TestOutput_EnvelopesCarrySequenceAndHash(t *testing.T) {
	f := newFixture(t)
	f.deposit(f.alice.Address, usdc, 5_000_000)

	out := f.mustBatch(
		f.withdraw(f.alice, usdc, e18(1), nil, 1),
		f.withdraw(f.alice, usdc, e18(1), nil, 2),
	)

	require.Len(t, out.Envelopes, 2)
	assert.Equal(t, int64(2), out.Envelopes[0].Sequence)
	assert.Equal(t, int64(3), out.Envelopes[1].Sequence)
	for _, env := range out.Envelopes {
		assert.Equal(t, out.BatchID, env.BatchID)
		assert.Equal(t, out.StateHash, env.StateHash)
	}
}

// ============================================================================
// Test: Snapshot restore
// ============================================================================

func TestSnapshot_RestoreReproducesState(t *testing.T) {
	f := newFixture(t)
	f.deposit(f.alice.Address, usdc, 3_000_000)
	maker := f.order(f.alice, core.SideBuy, e18(1), e18(2), big.NewInt(1e12), 1)
	taker := f.order(f.bob, core.SideSell, e18(2), e18(2), big.NewInt(1e12), 1)
	f.mustBatch(
		&core.MatchOrders{Maker: maker, Taker: taker},
		f.withdraw(f.alice, usdc, e18(1), nil, 1),
		&core.UpdateFundingRate{ProductIndex: btcPerp, CumulativeFunding: e18(3), FundingRateID: 1},
	)

	snap := f.engine.CreateSnapshotState()

	restored := newFixture(t)
	require.NoError(t, restored.engine.RestoreFromSnapshot(snap))

	assert.Equal(t, f.engine.StateHash(), restored.engine.StateHash())
	assert.Equal(t, f.engine.TxCounter(), restored.engine.TxCounter())
	assert.Equal(t, f.engine.Sequence(), restored.engine.Sequence())
	assertBig(t, f.engine.Balance(f.alice.Address, usdc), restored.engine.Balance(f.alice.Address, usdc))
	assertBig(t, f.engine.TotalBalance(usdc), restored.engine.TotalBalance(usdc))
	assert.True(t, restored.engine.WithdrawNonceUsed(f.alice.Address, 1))

	// The partially filled taker order keeps its remaining size.
	takerHash, err := f.domain.OrderDigest(auth.OrderPayload{
		Sender: taker.Sender, Size: taker.Size, Price: taker.Price, Nonce: taker.Nonce,
		ProductIndex: taker.ProductIndex, Side: uint8(taker.Side),
	})
	require.NoError(t, err)
	assertBig(t, e18(1), restored.engine.FilledSize(takerHash))

	// Both engines continue identically.
	next := f.withdraw(f.alice, usdc, e18(1), nil, 2)
	f.mustBatch(next)
	restored.mustBatch(next)
	assert.Equal(t, f.engine.StateHash(), restored.engine.StateHash())
}

func TestSnapshot_RestoreRejectedAfterApply(t *testing.T) {
	f := newFixture(t)
	snap := f.engine.CreateSnapshotState()
	f.deposit(f.alice.Address, usdc, 1)
	assert.Error(t, f.engine.RestoreFromSnapshot(snap))
}
