package testutil

import (
	"fmt"
	"math/big"
	"testing"

	"BatchLedger/internal/core"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed addresses shared by package tests outside core.
var (
	USDC      = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	WETH      = common.HexToAddress("0x000000000000000000000000000000000000e7e7")
	Admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	Custodian = common.HexToAddress("0x00000000000000000000000000000000000000c5")
	Sequencer = common.HexToAddress("0x000000000000000000000000000000000000005e")
	Treasury  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

// BTCPerp is the product index registered by NewEngine.
const BTCPerp uint8 = 1

// TestMarkets registers USDC (6 decimals), WETH (18 decimals) and a
// USDC-settled BTC perpetual.
func TestMarkets(t testing.TB) *state.MarketRegistry {
	t.Helper()
	markets := state.NewMarketRegistry()
	for _, a := range []*state.Asset{
		{Address: USDC, Symbol: "USDC", Decimals: 6, MaxWithdrawFeeRate: big.NewInt(1e16)},
		{Address: WETH, Symbol: "WETH", Decimals: 18, MaxWithdrawFeeRate: big.NewInt(1e16)},
	} {
		if err := markets.AddAsset(a); err != nil {
			t.Fatalf("add asset %s: %v", a.Symbol, err)
		}
	}
	if err := markets.AddProduct(&state.Product{Index: BTCPerp, Symbol: "BTC-PERP", SettlementAsset: USDC}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	return markets
}

// NewEngine builds an engine over TestMarkets with deposits and withdrawals
// enabled and Admin, Custodian and Sequencer roles assigned.
func NewEngine(t testing.TB, deps core.Dependencies) *core.Engine {
	t.Helper()
	if deps.Roles == nil {
		deps.Roles = core.StaticRoles{
			core.RoleAdmin:     {Admin},
			core.RoleCustodian: {Custodian},
			core.RoleSequencer: {Sequencer},
		}
	}
	return core.NewEngine(core.Params{
		Domain:       TestDomain(),
		FeeRecipient: Treasury,
		AltFeeAsset:  WETH,
		Flags:        core.Flags{DepositsEnabled: true, WithdrawalsEnabled: true},
	}, TestMarkets(t), deps)
}

// DepositCommand is a custodian deposit of raw native units.
func DepositCommand(account, asset common.Address, raw int64, ref int) core.Command {
	return core.Command{
		Kind:   core.CommandDeposit,
		Caller: Custodian,
		Deposit: &core.DepositRequest{
			Account:   account,
			Asset:     asset,
			RawAmount: big.NewInt(raw),
			Reference: fmt.Sprintf("0xdeposit:%d", ref),
		},
	}
}
