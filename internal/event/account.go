package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type SignerRegistered struct {
	Base
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
	Message string         `json:"message"`
	Nonce   uint64         `json:"nonce"`
}

func (e *SignerRegistered) EventType() EventType { return EventTypeSignerRegistered }

type SignerRemoved struct {
	Base
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
}

func (e *SignerRemoved) EventType() EventType { return EventTypeSignerRemoved }

// Deposited records a credit from outside the venue. Amount is 18D, RawAmount
// is in the token's native decimals.
type Deposited struct {
	Base
	Account   common.Address `json:"account"`
	Asset     common.Address `json:"asset"`
	Amount    *big.Int       `json:"amount"`
	RawAmount *big.Int       `json:"raw_amount"`
}

func (e *Deposited) EventType() EventType { return EventTypeDeposited }

type WithdrawSucceeded struct {
	Base
	Account   common.Address `json:"account"`
	Asset     common.Address `json:"asset"`
	Nonce     uint64         `json:"nonce"`
	Amount    *big.Int       `json:"amount"`
	Fee       *big.Int       `json:"fee"`
	RawAmount *big.Int       `json:"raw_amount"`
}

func (e *WithdrawSucceeded) EventType() EventType { return EventTypeWithdrawSucceeded }

// WithdrawFailed is the soft-failure record; the nonce stays consumed.
type WithdrawFailed struct {
	Base
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Nonce   uint64         `json:"nonce"`
	Amount  *big.Int       `json:"amount"`
	Reason  string         `json:"reason"`
}

func (e *WithdrawFailed) EventType() EventType { return EventTypeWithdrawFailed }

type SwapSucceeded struct {
	Base
	Account   common.Address `json:"account"`
	AssetIn   common.Address `json:"asset_in"`
	AmountIn  *big.Int       `json:"amount_in"`
	AssetOut  common.Address `json:"asset_out"`
	AmountOut *big.Int       `json:"amount_out"`
	Fee       *big.Int       `json:"fee"`
	Nonce     uint64         `json:"nonce"`
}

func (e *SwapSucceeded) EventType() EventType { return EventTypeSwapSucceeded }

type SwapFailed struct {
	Base
	Account  common.Address `json:"account"`
	AssetIn  common.Address `json:"asset_in"`
	AmountIn *big.Int       `json:"amount_in"`
	AssetOut common.Address `json:"asset_out"`
	Nonce    uint64         `json:"nonce"`
	Reason   string         `json:"reason"`
}

func (e *SwapFailed) EventType() EventType { return EventTypeSwapFailed }
