package config_test

import (
	"strings"
	"testing"
	"time"

	"BatchLedger/internal/config"
	"BatchLedger/internal/core"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
venue:
  domain:
    chain_id: 1
    verifying_contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  fee_recipient: "0x00000000000000000000000000000000000000fe"
assets:
  - address: "0x000000000000000000000000000000000000c0de"
    symbol: USDC
    decimals: 6
    max_withdraw_fee_rate: "0.005"
`

// ===== Test: Loading =====

func TestLoadConfig_ExampleFile(t *testing.T) {
	cfg, err := config.LoadConfig("../../config/batchledger.yaml")
	require.NoError(t, err)

	assert.Equal(t, int64(31337), cfg.Venue.Domain.ChainID)
	assert.Equal(t, 10*time.Millisecond, cfg.Pipeline.FlushTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.SnapshotInterval)

	markets, err := cfg.Markets()
	require.NoError(t, err)
	usdc, err := markets.Asset(testutil.USDC)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), usdc.Decimals)
	assert.Equal(t, "10000000000000000", usdc.MaxWithdrawFeeRate.String())
	assert.Len(t, markets.Products(), 2)

	params := cfg.EngineParams()
	assert.Equal(t, testutil.TestDomain(), params.Domain)
	assert.Equal(t, testutil.Treasury, params.FeeRecipient)
	assert.Equal(t, testutil.WETH, params.AltFeeAsset)
	assert.True(t, params.Flags.DepositsEnabled)

	roles := cfg.Roles()
	assert.True(t, roles.HasRole(core.RoleAdmin, testutil.Admin))
	assert.True(t, roles.HasRole(core.RoleCustodian, testutil.Custodian))
	assert.True(t, roles.HasRole(core.RoleSequencer, testutil.Sequencer))
	assert.False(t, roles.HasRole(core.RoleAdmin, testutil.Custodian))
	assert.False(t, roles.HasRole(core.RoleSequencer, testutil.Admin))
	assert.Equal(t, testutil.Custodian, cfg.PrimaryCustodian())
	assert.Equal(t, testutil.Sequencer, cfg.PrimarySequencer())

	assert.Equal(t, testutil.Admin, cfg.Callers()["dev-admin-token"])
	assert.Equal(t, testutil.Sequencer, cfg.Callers()["dev-sequencer-token"])
}

func TestParse_DefaultsFillGaps(t *testing.T) {
	cfg, err := config.Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 50, cfg.Pipeline.PersistBatchSize)
	assert.Equal(t, "BatchLedger", cfg.Venue.Domain.Name)
	assert.True(t, cfg.Venue.Flags.WithdrawalsEnabled)
	assert.Nil(t, cfg.Swapper())
	assert.Equal(t, common.Address{}, cfg.EngineParams().AltFeeAsset)
	assert.Equal(t, common.Address{}, cfg.PrimarySequencer())
	assert.Empty(t, cfg.Roles()[core.RoleSequencer])
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("BATCHLEDGER_POSTGRES_DSN", "postgres://override")
	t.Setenv("BATCHLEDGER_PERSIST_BATCH_SIZE", "7")
	t.Setenv("BATCHLEDGER_API_TOKENS", "tok-a=0x00000000000000000000000000000000000000ad, tok-b=0x00000000000000000000000000000000000000c5")

	cfg, err := config.Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "postgres://override", cfg.Postgres.DSN)
	assert.Equal(t, 7, cfg.Pipeline.PersistBatchSize)
	callers := cfg.Callers()
	assert.Equal(t, testutil.Admin, callers["tok-a"])
	assert.Equal(t, testutil.Custodian, callers["tok-b"])
}

// ===== Test: Validation =====

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		replace [2]string
		wantErr string
	}{
		{
			name:    "bad fee recipient",
			replace: [2]string{"0x00000000000000000000000000000000000000fe", "0x12"},
			wantErr: "venue.fee_recipient",
		},
		{
			name:    "missing chain id",
			replace: [2]string{"chain_id: 1", "chain_id: 0"},
			wantErr: "chain_id",
		},
		{
			name:    "fee rate above one",
			replace: [2]string{`"0.005"`, `"1.5"`},
			wantErr: "max withdraw fee rate",
		},
		{
			name:    "product on unknown asset",
			extra:   "products:\n  - index: 1\n    symbol: X\n    settlement_asset: \"0x000000000000000000000000000000000000beef\"\n",
			wantErr: "unsupported asset",
		},
		{
			name:    "alt fee asset without price",
			extra:   "prices:\n  \"0x000000000000000000000000000000000000c0de\": \"1\"\n",
			replace: [2]string{"fee_recipient:", "alt_fee_asset: \"0x000000000000000000000000000000000000e7e7\"\n  fee_recipient:"},
			wantErr: "has no price",
		},
		{
			name:    "bad sequencer address",
			replace: [2]string{"fee_recipient:", "sequencers: [\"0x5e\"]\n  fee_recipient:"},
			wantErr: "venue.sequencers[0]",
		},
		{
			name:    "non-positive price",
			extra:   "prices:\n  \"0x000000000000000000000000000000000000c0de\": \"0\"\n",
			wantErr: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := minimal
			if tt.replace[0] != "" {
				doc = strings.Replace(doc, tt.replace[0], tt.replace[1], 1)
			}
			_, err := config.Parse([]byte(doc + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// ===== Test: Oracle and swapper =====

func TestOracleAndSwapper(t *testing.T) {
	cfg, err := config.LoadConfig("../../config/batchledger.yaml")
	require.NoError(t, err)

	price, err := cfg.Oracle().PriceUSD(testutil.WETH)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Int(2000), price)

	swapper := cfg.Swapper()
	require.NotNil(t, swapper)
	out, err := swapper.QuoteSwap(testutil.WETH, fpmath.Int(1), testutil.USDC)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Int(1994), out)
}
