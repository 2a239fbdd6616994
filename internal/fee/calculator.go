// Package fee holds the pure fee and rebate arithmetic used by matching and
// withdrawals. All percentage math truncates toward zero.
package fee

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "BatchLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// MaxRebateBps is the largest referral rebate rate accepted (20%).
const MaxRebateBps uint16 = 2000

var (
	ErrRebateRateTooHigh = errors.New("referral rebate rate exceeds maximum")
	ErrNegativeFee       = errors.New("fee must not be negative")
	ErrPriceUnavailable  = errors.New("price unavailable")
)

// Notional returns size*price in 18D.
func Notional(size, price *big.Int) *big.Int {
	return fpmath.MulX18(size, price)
}

// ReferralRebate returns the share of a charged fee redirected to a referrer.
// A zero or negative fee (the side is being paid a rebate) never yields a
// referral rebate.
func ReferralRebate(fee *big.Int, bps uint16) (*big.Int, error) {
	if bps > MaxRebateBps {
		return nil, fmt.Errorf("%w: %d bps > %d", ErrRebateRateTooHigh, bps, MaxRebateBps)
	}
	if fee.Sign() <= 0 || bps == 0 {
		return new(big.Int), nil
	}
	return fpmath.MulBps(fee, bps), nil
}

// NetTradingFee is what the trading-fee pool keeps from one match.
func NetTradingFee(makerFee, takerFee, makerRebate, takerRebate *big.Int) *big.Int {
	net := new(big.Int).Add(makerFee, takerFee)
	net.Sub(net, makerRebate)
	return net.Sub(net, takerRebate)
}

// CapWithdrawFee bounds a withdraw fee to amount*maxRate.
func CapWithdrawFee(fee, amount, maxRate *big.Int) (*big.Int, error) {
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegativeFee, fee)
	}
	maxFee := fpmath.MulX18(amount, maxRate)
	return new(big.Int).Set(fpmath.Min(fee, maxFee)), nil
}

// PriceOracle reports the USD price (18D) of an asset. Backed by an external
// oracle; only fee-asset selection consults it.
type PriceOracle interface {
	PriceUSD(asset common.Address) (*big.Int, error)
}

// ConvertToAltAsset expresses a fee quoted in the primary settlement asset
// (assumed USD-pegged) in units of the alternate asset, using the oracle price.
func ConvertToAltAsset(oracle PriceOracle, altAsset common.Address, feeUSD *big.Int) (*big.Int, error) {
	price, err := oracle.PriceUSD(altAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price %s", ErrPriceUnavailable, price)
	}
	return fpmath.MulDiv(feeUSD, fpmath.One, price), nil
}

// StaticOracle serves fixed prices, typically from configuration.
type StaticOracle map[common.Address]*big.Int

func (o StaticOracle) PriceUSD(asset common.Address) (*big.Int, error) {
	p, ok := o[asset]
	if !ok {
		return nil, fmt.Errorf("no price for %s", asset.Hex())
	}
	return new(big.Int).Set(p), nil
}

// OracleSwapper quotes collateral swaps at oracle mid prices less a fixed
// spread. It stands in for the venue's DEX router when none is attached.
type OracleSwapper struct {
	Oracle    PriceOracle
	SpreadBps uint16
}

func (s OracleSwapper) QuoteSwap(assetIn common.Address, amountIn *big.Int, assetOut common.Address) (*big.Int, error) {
	priceIn, err := s.Oracle.PriceUSD(assetIn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	priceOut, err := s.Oracle.PriceUSD(assetOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if priceIn.Sign() <= 0 || priceOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price", ErrPriceUnavailable)
	}
	out := fpmath.MulDiv(amountIn, priceIn, priceOut)
	spread := fpmath.MulBps(out, s.SpreadBps)
	return out.Sub(out, spread), nil
}
