package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type InsuranceDeposited struct {
	Base
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

func (e *InsuranceDeposited) EventType() EventType { return EventTypeInsuranceDeposited }

type InsuranceWithdrawn struct {
	Base
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

func (e *InsuranceWithdrawn) EventType() EventType { return EventTypeInsuranceWithdrawn }

type LossCovered struct {
	Base
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
}

func (e *LossCovered) EventType() EventType { return EventTypeLossCovered }

type FundingRateUpdated struct {
	Base
	ProductIndex      uint8    `json:"product_index"`
	CumulativeFunding *big.Int `json:"cumulative_funding"`
	FundingRateID     uint64   `json:"funding_rate_id"`
}

func (e *FundingRateUpdated) EventType() EventType { return EventTypeFundingRateUpdated }

// FeesClaimed covers one asset of one pool kind ("trading" or "sequencer").
// Amount includes fees collected by collaborating modules.
type FeesClaimed struct {
	Base
	Kind      string         `json:"kind"`
	Asset     common.Address `json:"asset"`
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
	RawAmount *big.Int       `json:"raw_amount"`
}

func (e *FeesClaimed) EventType() EventType { return EventTypeFeesClaimed }

type EngineFlagsChanged struct {
	Base
	Paused             bool `json:"paused"`
	DepositsEnabled    bool `json:"deposits_enabled"`
	WithdrawalsEnabled bool `json:"withdrawals_enabled"`
}

func (e *EngineFlagsChanged) EventType() EventType { return EventTypeEngineFlagsChanged }
