package core

import (
	"context"
	"math/big"

	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a permission held by an external caller of the engine.
type Role uint8

const (
	// RoleAdmin may toggle engine flags and move insurance funds directly.
	RoleAdmin Role = iota + 1
	// RoleCustodian reports deposits observed at the custody contract.
	RoleCustodian
	// RoleSequencer submits ordered batches.
	RoleSequencer
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleCustodian:
		return "custodian"
	case RoleSequencer:
		return "sequencer"
	default:
		return "unknown"
	}
}

// RoleChecker is the external access-control list.
type RoleChecker interface {
	HasRole(role Role, caller common.Address) bool
}

// StaticRoles is a RoleChecker backed by configuration.
type StaticRoles map[Role][]common.Address

func (s StaticRoles) HasRole(role Role, caller common.Address) bool {
	for _, a := range s[role] {
		if a == caller {
			return true
		}
	}
	return false
}

// CollateralSwapper quotes a collateral conversion. Amounts are 18D. The
// swap itself is executed by custody after commit.
type CollateralSwapper interface {
	QuoteSwap(assetIn common.Address, amountIn *big.Int, assetOut common.Address) (*big.Int, error)
}

// FeeSource is a collaborating module that collects fees on the venue's
// behalf (the isolated-margin engine). Claims include its pending fees and
// emit a reset effect for it.
type FeeSource interface {
	Name() string
	PendingFees(kind state.FeeKind, asset common.Address) *big.Int
}

// EffectKind names an instruction for the custody service.
type EffectKind string

const (
	EffectTransfer EffectKind = "transfer"
	EffectSwap     EffectKind = "swap"
	EffectFeeReset EffectKind = "fee_reset"
)

// Effect is an external side effect produced by a committed command. Raw
// amounts are in the token's native decimals.
type Effect struct {
	Kind   EffectKind     `json:"kind"`
	TxID   uint32         `json:"tx_id"`
	Asset  common.Address `json:"asset"`
	To     common.Address `json:"to,omitempty"`
	Amount *big.Int       `json:"amount,omitempty"`

	// Swap only.
	AssetOut     common.Address `json:"asset_out,omitempty"`
	MinAmountOut *big.Int       `json:"min_amount_out,omitempty"`

	// Fee reset only.
	Source  string `json:"source,omitempty"`
	FeeKind string `json:"fee_kind,omitempty"`
}

// Custody executes effects once the command that produced them is durable.
// seq is the command sequence; with the effect index it identifies an
// effect across restarts.
type Custody interface {
	Execute(ctx context.Context, seq int64, effects []Effect) error
}
