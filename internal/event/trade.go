package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderMatched is emitted for every settled maker/taker pair.
type OrderMatched struct {
	Base
	ProductIndex       uint8          `json:"product_index"`
	Maker              common.Address `json:"maker"`
	Taker              common.Address `json:"taker"`
	MakerNonce         uint64         `json:"maker_nonce"`
	TakerNonce         uint64         `json:"taker_nonce"`
	MakerIsBuyer       bool           `json:"maker_is_buyer"`
	Size               *big.Int       `json:"size"`
	Price              *big.Int       `json:"price"`
	MakerFee           *big.Int       `json:"maker_fee"`
	TakerFee           *big.Int       `json:"taker_fee"`
	SequencerFee       *big.Int       `json:"sequencer_fee"`
	// NetTradingFee is the trading-pool delta of the match. Nil when the
	// sides pay fees in different assets.
	NetTradingFee      *big.Int       `json:"net_trading_fee,omitempty"`
	IsLiquidation      bool           `json:"is_liquidation"`
	LiquidationPenalty *big.Int       `json:"liquidation_penalty,omitempty"`
	MakerOrderHash     common.Hash    `json:"maker_order_hash"`
	TakerOrderHash     common.Hash    `json:"taker_order_hash"`
}

func (e *OrderMatched) EventType() EventType { return EventTypeOrderMatched }

// MakerRebated is emitted when a negative maker fee credits the maker.
type MakerRebated struct {
	Base
	Maker  common.Address `json:"maker"`
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

func (e *MakerRebated) EventType() EventType { return EventTypeMakerRebated }

// ReferralRebated is emitted when part of a charged fee goes to a referrer.
type ReferralRebated struct {
	Base
	Referrer common.Address `json:"referrer"`
	Referee  common.Address `json:"referee"`
	Asset    common.Address `json:"asset"`
	Amount   *big.Int       `json:"amount"`
}

func (e *ReferralRebated) EventType() EventType { return EventTypeReferralRebated }

type LiquidationPenaltyCollected struct {
	Base
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
}

func (e *LiquidationPenaltyCollected) EventType() EventType {
	return EventTypeLiquidationPenaltyCollected
}
