package core_test

import (
	"bytes"
	"math/big"
	"testing"

	"BatchLedger/internal/core"
	"BatchLedger/internal/state"
	"BatchLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, record []byte) (uint32, core.Operation, error) {
	t.Helper()
	op, txID, payload, err := core.DecodeHeader(record)
	require.NoError(t, err)
	decoded, err := core.DecodeOperation(op, payload)
	return txID, decoded, err
}

// ===== Test: Round trips =====

func TestCodec_LiquidationMatchRoundTrip(t *testing.T) {
	domain := testutil.TestDomain()
	alice := testutil.KeyFromSeed(t, "alice")
	hot := testutil.KeyFromSeed(t, "alice-hot")

	maker := core.Order{
		Sender: alice.Address, Size: e18(3), Price: e18(42_000), Nonce: 17,
		ProductIndex: btcPerp, Side: core.SideSell, Fee: big.NewInt(-5e11),
	}
	testutil.SignOrder(t, domain, hot, &maker)
	taker := liquidated(core.Order{
		Sender: referrer, Size: e18(3), Price: e18(41_000), Nonce: 1,
		ProductIndex: btcPerp, Side: core.SideBuy, Fee: big.NewInt(9e11),
	})

	in := &core.MatchOrders{
		Maker:              maker,
		Taker:              taker,
		SequencerFee:       big.NewInt(3e12),
		MakerReferrer:      referrer,
		MakerRebateBps:     250,
		TakerFeeInAlt:      true,
		Liquidation:        true,
		LiquidationPenalty: e18(12),
	}
	record, err := core.EncodeRecord(41, in)
	require.NoError(t, err)
	assert.Equal(t, byte(core.OpMatchLiquidationOrders), record[0])
	assert.Len(t, record, core.HeaderSize+2*core.OrderSize+16+20+2+20+2+1+1+16)

	txID, op, err := decode(t, record)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), txID)

	out, ok := op.(*core.MatchOrders)
	require.True(t, ok, "decoded %T", op)
	assert.True(t, out.Liquidation)
	assert.Equal(t, hot.Address, out.Maker.Signer)
	assert.Equal(t, maker.Signature, out.Maker.Signature)
	assert.Equal(t, core.SideSell, out.Maker.Side)
	assert.Equal(t, uint64(17), out.Maker.Nonce)
	assertBig(t, big.NewInt(-5e11), out.Maker.Fee)
	assertBig(t, e18(42_000), out.Maker.Price)
	assert.True(t, out.Taker.IsLiquidated)
	assert.False(t, out.MakerFeeInAlt)
	assert.True(t, out.TakerFeeInAlt)
	assert.Equal(t, uint16(250), out.MakerRebateBps)
	assertBig(t, e18(12), out.LiquidationPenalty)
	assertBig(t, big.NewInt(3e12), out.SequencerFee)
}

func TestCodec_AddSigningWalletRoundTrip(t *testing.T) {
	domain := testutil.TestDomain()
	req, consent := testutil.SignRegistration(t, domain,
		testutil.KeyFromSeed(t, "alice"), testutil.KeyFromSeed(t, "alice-hot"), "desk 3 ☕", 9)

	record, err := core.EncodeRecord(0, &core.AddSigningWallet{Request: req, Consent: consent})
	require.NoError(t, err)

	_, op, err := decode(t, record)
	require.NoError(t, err)
	assert.Equal(t, &core.AddSigningWallet{Request: req, Consent: consent}, op)
}

func TestCodec_SignedFundingAndEmptyClaims(t *testing.T) {
	record, err := core.EncodeRecord(3, &core.UpdateFundingRate{ProductIndex: 4, CumulativeFunding: e18(-7), FundingRateID: 12})
	require.NoError(t, err)
	_, op, err := decode(t, record)
	require.NoError(t, err)
	funding := op.(*core.UpdateFundingRate)
	assertBig(t, e18(-7), funding.CumulativeFunding)
	assert.Equal(t, uint64(12), funding.FundingRateID)

	record, err = core.EncodeRecord(4, &core.ClaimFees{Kind: state.FeeKindSequencer})
	require.NoError(t, err)
	assert.Len(t, record, core.HeaderSize)
	_, op, err = decode(t, record)
	require.NoError(t, err)
	assert.Equal(t, &core.ClaimFees{Kind: state.FeeKindSequencer}, op)
}

// ===== Test: Malformed input =====

func matchRecord(t *testing.T) []byte {
	t.Helper()
	o := core.Order{Sender: referrer, Size: e18(1), Price: e18(1), ProductIndex: btcPerp, Signature: testutil.NoSignature()}
	record, err := core.EncodeRecord(0, &core.MatchOrders{Maker: o, Taker: o})
	require.NoError(t, err)
	return record
}

func TestCodec_RejectsMalformedPayloads(t *testing.T) {
	const (
		sideOffset       = 20 + 16 + 16 + 8 + 1
		liquidatedOffset = sideOffset + 1 + 65 + 20
	)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"trailing bytes", func(b []byte) []byte { return append(b, 0) }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }},
		{"side out of range", func(b []byte) []byte { b[core.HeaderSize+sideOffset] = 2; return b }},
		{"bad boolean", func(b []byte) []byte { b[core.HeaderSize+liquidatedOffset] = 7; return b }},
		{"bad alt-fee flag", func(b []byte) []byte { b[len(b)-1] = 2; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := tt.mutate(bytes.Clone(matchRecord(t)))
			_, _, err := decode(t, record)
			assert.ErrorIs(t, err, core.ErrMalformedRecord)
		})
	}
}

func TestCodec_HeaderAndOpcodeErrors(t *testing.T) {
	_, _, _, err := core.DecodeHeader([]byte{byte(core.OpWithdraw), 0, 0})
	assert.ErrorIs(t, err, core.ErrMalformedRecord)

	_, err = core.DecodeOperation(core.Opcode(200), nil)
	assert.ErrorIs(t, err, core.ErrUnknownOpcode)

	_, err = core.DecodeOperation(core.OpAssertOpenInterest, nil)
	assert.ErrorIs(t, err, core.ErrDeprecatedOpcode)
}

func TestCodec_EncodeValidatesWidths(t *testing.T) {
	_, err := core.EncodeRecord(0, &core.Withdraw{Amount: e18(1)})
	assert.ErrorContains(t, err, "signature must be 65 bytes")

	tooBig := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err = core.EncodeRecord(0, &core.DepositInsuranceFund{Amount: tooBig})
	assert.Error(t, err)

	_, err = core.EncodeRecord(0, &core.UpdateFundingRate{CumulativeFunding: new(big.Int).Neg(tooBig)})
	assert.Error(t, err)
}
