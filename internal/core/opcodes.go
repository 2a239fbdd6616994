package core

import (
	"fmt"
	"math/big"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Opcode is the first byte of every batch record.
type Opcode uint8

const (
	OpNone                   Opcode = 0
	OpAddSigningWallet       Opcode = 1
	OpMatchOrders            Opcode = 2
	OpMatchLiquidationOrders Opcode = 3
	OpUpdateFundingRate      Opcode = 4
	OpAssertOpenInterest     Opcode = 5 // deprecated, always rejected
	OpCoverLossByInsurance   Opcode = 6
	OpWithdraw               Opcode = 7
	OpSwapCollateral         Opcode = 8
	OpDepositInsuranceFund   Opcode = 9
	OpWithdrawInsuranceFund  Opcode = 10
	OpClaimTradingFees       Opcode = 11
	OpClaimSequencerFees     Opcode = 12
)

var opcodeNames = map[Opcode]string{
	OpNone:                   "none",
	OpAddSigningWallet:       "AddSigningWallet",
	OpMatchOrders:            "MatchOrders",
	OpMatchLiquidationOrders: "MatchLiquidationOrders",
	OpUpdateFundingRate:      "UpdateFundingRate",
	OpAssertOpenInterest:     "AssertOpenInterest",
	OpCoverLossByInsurance:   "CoverLossByInsuranceFund",
	OpWithdraw:               "Withdraw",
	OpSwapCollateral:         "SwapCollateral",
	OpDepositInsuranceFund:   "DepositInsuranceFund",
	OpWithdrawInsuranceFund:  "WithdrawInsuranceFund",
	OpClaimTradingFees:       "ClaimTradingFees",
	OpClaimSequencerFees:     "ClaimSequencerFees",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// Soft reports whether a failure of this opcode may be recorded without
// aborting the batch.
func (o Opcode) Soft() bool {
	return o == OpWithdraw || o == OpSwapCollateral
}

// Side of an order.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Operation is a decoded batch record. The set of implementations is closed.
type Operation interface {
	Opcode() Opcode
	operation()
}

type AddSigningWallet struct {
	Request auth.RegistrationRequest
	Consent auth.SignerConsent
}

// Order is one side of a match. Size and Price are 18D; Fee is signed and
// denominated in the product's settlement asset.
type Order struct {
	Sender       common.Address
	Size         *big.Int
	Price        *big.Int
	Nonce        uint64
	ProductIndex uint8
	Side         Side
	Signature    []byte
	Signer       common.Address
	IsLiquidated bool
	Fee          *big.Int
}

func (o *Order) payload() auth.OrderPayload {
	return auth.OrderPayload{
		Sender:       o.Sender,
		Size:         o.Size,
		Price:        o.Price,
		Nonce:        o.Nonce,
		ProductIndex: o.ProductIndex,
		Side:         uint8(o.Side),
	}
}

type MatchOrders struct {
	Maker          Order
	Taker          Order
	SequencerFee   *big.Int
	MakerReferrer  common.Address
	MakerRebateBps uint16
	TakerReferrer  common.Address
	TakerRebateBps uint16
	MakerFeeInAlt  bool
	TakerFeeInAlt  bool

	// Set for MatchLiquidationOrders only.
	Liquidation        bool
	LiquidationPenalty *big.Int
}

type UpdateFundingRate struct {
	ProductIndex      uint8
	CumulativeFunding *big.Int
	FundingRateID     uint64
}

type CoverLoss struct {
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
}

type Withdraw struct {
	Account   common.Address
	Asset     common.Address
	Amount    *big.Int
	Nonce     uint64
	Signature []byte
	Fee       *big.Int
}

type SwapCollateral struct {
	Account      common.Address
	AssetIn      common.Address
	AmountIn     *big.Int
	AssetOut     common.Address
	MinAmountOut *big.Int
	Nonce        uint64
	Fee          *big.Int
	Signature    []byte
}

type DepositInsuranceFund struct {
	Asset  common.Address
	Amount *big.Int
}

type WithdrawInsuranceFund struct {
	Asset  common.Address
	Amount *big.Int
}

type ClaimFees struct {
	Kind state.FeeKind
}

func (*AddSigningWallet) Opcode() Opcode { return OpAddSigningWallet }

func (m *MatchOrders) Opcode() Opcode {
	if m.Liquidation {
		return OpMatchLiquidationOrders
	}
	return OpMatchOrders
}

func (*UpdateFundingRate) Opcode() Opcode     { return OpUpdateFundingRate }
func (*CoverLoss) Opcode() Opcode             { return OpCoverLossByInsurance }
func (*Withdraw) Opcode() Opcode              { return OpWithdraw }
func (*SwapCollateral) Opcode() Opcode        { return OpSwapCollateral }
func (*DepositInsuranceFund) Opcode() Opcode  { return OpDepositInsuranceFund }
func (*WithdrawInsuranceFund) Opcode() Opcode { return OpWithdrawInsuranceFund }

func (c *ClaimFees) Opcode() Opcode {
	if c.Kind == state.FeeKindSequencer {
		return OpClaimSequencerFees
	}
	return OpClaimTradingFees
}

func (*AddSigningWallet) operation()      {}
func (*MatchOrders) operation()           {}
func (*UpdateFundingRate) operation()     {}
func (*CoverLoss) operation()             {}
func (*Withdraw) operation()              {}
func (*SwapCollateral) operation()        {}
func (*DepositInsuranceFund) operation()  {}
func (*WithdrawInsuranceFund) operation() {}
func (*ClaimFees) operation()             {}
