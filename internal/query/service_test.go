package query_test

import (
	"context"
	"testing"

	"BatchLedger/internal/core"
	"BatchLedger/internal/fee"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/persistence"
	"BatchLedger/internal/query"
	"BatchLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fundedEngine(t *testing.T) (*core.Engine, common.Address) {
	t.Helper()
	engine := testutil.NewEngine(t, core.Dependencies{})
	alice := testutil.KeyFromSeed(t, "alice").Address
	_, err := engine.Apply(testutil.DepositCommand(alice, testutil.USDC, 10_000_000, 1))
	require.NoError(t, err)
	return engine, alice
}

// ===== Test: Balances =====

func TestGetBalance(t *testing.T) {
	engine, alice := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	bal, err := qs.GetBalance(context.Background(), alice, testutil.USDC)
	require.NoError(t, err)
	assert.Equal(t, "10", bal.Balance)
	assert.Equal(t, "10000000", bal.RawBalance)
	assert.Equal(t, "USDC", bal.Symbol)
	assert.Equal(t, int64(1), bal.AsOfSequence)

	_, err = qs.GetBalance(context.Background(), alice, common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestGetAssetTotals(t *testing.T) {
	engine, _ := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	totals, err := qs.GetAssetTotals(context.Background(), testutil.USDC)
	require.NoError(t, err)
	assert.Equal(t, "10", totals.TotalBalance)
	assert.Equal(t, "0", totals.InsuranceFund)
	assert.Equal(t, "0", totals.TradingFees)
	assert.Equal(t, "0", totals.SequencerFees)
}

// ===== Test: Positions and signers =====

func TestGetPosition(t *testing.T) {
	engine, alice := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	pos, err := qs.GetPosition(context.Background(), alice, testutil.BTCPerp)
	require.NoError(t, err)
	assert.Equal(t, "BTC-PERP", pos.Symbol)
	assert.Equal(t, "0", pos.Size)
	assert.Equal(t, "0", pos.Quote)
	assert.Equal(t, testutil.USDC.Hex(), pos.SettlementAsset)

	_, err = qs.GetPosition(context.Background(), alice, 99)
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestGetSigner_Unregistered(t *testing.T) {
	engine, alice := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	resp, err := qs.GetSigner(context.Background(), alice, testutil.KeyFromSeed(t, "bot").Address)
	require.NoError(t, err)
	assert.False(t, resp.IsSigningWallet)
}

// ===== Test: Alternate fee quote =====

func TestQuoteAltFee(t *testing.T) {
	engine, _ := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{
		Oracle:      fee.StaticOracle{testutil.WETH: fpmath.Int(2000)},
		AltFeeAsset: testutil.WETH,
	})

	quote, err := qs.QuoteAltFee(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "0.05", quote.AltAmount)
	assert.Equal(t, testutil.WETH.Hex(), quote.AltAsset)

	_, err = qs.QuoteAltFee(context.Background(), "abc")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	_, err = qs.QuoteAltFee(context.Background(), "-1")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
}

func TestQuoteAltFee_NotConfigured(t *testing.T) {
	engine, _ := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	_, err := qs.QuoteAltFee(context.Background(), "1")
	assert.ErrorIs(t, err, query.ErrNotFound)
}

// ===== Test: Status and integrity =====

func TestGetStatus(t *testing.T) {
	engine, _ := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{Persisted: func() int64 { return 1 }})

	st, err := qs.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Sequence)
	assert.Equal(t, int64(1), st.PersistedSequence)
	assert.Equal(t, uint32(0), st.TxCounter)
	assert.True(t, st.DepositsEnabled)
	assert.False(t, st.Paused)
	assert.Len(t, st.StateHash, 66)
}

func TestVerifyIntegrity_InMemoryOnly(t *testing.T) {
	engine, _ := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Empty(t, report.ConservationError)
}

func TestJournalHistory_RequiresDatabase(t *testing.T) {
	engine, alice := fundedEngine(t)
	qs := query.NewQueryService(engine, query.Config{})

	_, err := qs.GetJournalHistory(context.Background(), alice, 10, nil)
	assert.ErrorIs(t, err, query.ErrUnavailable)
}

func TestJournalHistory_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine := testutil.NewEngine(t, core.Dependencies{})
	alice := testutil.KeyFromSeed(t, "alice").Address
	out, err := engine.Apply(testutil.DepositCommand(alice, testutil.USDC, 10_000_000, 1))
	require.NoError(t, err)

	cmd, _, journals, err := persistence.RowsFromOutput(out)
	require.NoError(t, err)
	w := persistence.NewEventLogWriter(db)
	require.NoError(t, w.WriteCommandBatch(ctx, db, []persistence.CommandRow{cmd}))
	require.NoError(t, w.WriteJournalBatch(ctx, db, journals))

	qs := query.NewQueryService(engine, query.Config{DB: db})
	entries, err := qs.GetJournalHistory(ctx, alice, 10, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10", entries[0].Amount)
	assert.Equal(t, "deposit", entries[0].JournalType)

	before := int64(1)
	entries, err = qs.GetJournalHistory(ctx, alice, 10, &before)
	require.NoError(t, err)
	assert.Empty(t, entries)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.False(t, report.StateHashMismatch)
}

// ===== Test: Metrics =====

func TestQueryMetrics(t *testing.T) {
	engine, alice := fundedEngine(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	qs := query.NewQueryService(engine, query.Config{Metrics: metrics})

	_, err := qs.GetBalance(context.Background(), alice, testutil.USDC)
	require.NoError(t, err)
	_, err = qs.GetBalance(context.Background(), alice, common.HexToAddress("0xdead"))
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("balance", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("balance", "not_found")))
}
