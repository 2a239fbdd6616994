package query

import (
	"context"
	"fmt"
	"time"

	"BatchLedger/internal/fee"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// GetBalance returns an account's spot balance in one asset, both in 18D
// and in the asset's native decimals (truncated).
func (qs *QueryService) GetBalance(ctx context.Context, account, asset common.Address) (resp *BalanceResponse, err error) {
	defer qs.track("balance", time.Now(), &err)

	a, err := qs.asset(asset)
	if err != nil {
		return nil, err
	}

	bal := qs.engine.Balance(account, asset)
	raw, err := fpmath.FromInternalScale(bal, a.Decimals)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account.Hex(),
		Asset:        asset.Hex(),
		Symbol:       a.Symbol,
		Balance:      fpmath.FormatX18(bal),
		RawBalance:   raw.String(),
		AsOfSequence: qs.engine.Sequence(),
	}, nil
}

// GetAssetTotals returns the sum of all account balances of an asset with
// the insurance fund and both fee pools.
func (qs *QueryService) GetAssetTotals(ctx context.Context, asset common.Address) (resp *AssetTotalsResponse, err error) {
	defer qs.track("asset_totals", time.Now(), &err)

	a, err := qs.asset(asset)
	if err != nil {
		return nil, err
	}

	return &AssetTotalsResponse{
		Asset:         asset.Hex(),
		Symbol:        a.Symbol,
		TotalBalance:  fpmath.FormatX18(qs.engine.TotalBalance(asset)),
		InsuranceFund: fpmath.FormatX18(qs.engine.InsuranceFund(asset)),
		TradingFees:   fpmath.FormatX18(qs.engine.FeePool(state.FeeKindTrading, asset)),
		SequencerFees: fpmath.FormatX18(qs.engine.FeePool(state.FeeKindSequencer, asset)),
		AsOfSequence:  qs.engine.Sequence(),
	}, nil
}

// QuoteAltFee converts a fee given as a decimal string of the settlement
// asset into the alternate fee asset at the configured price.
func (qs *QueryService) QuoteAltFee(ctx context.Context, amount string) (resp *AltFeeQuote, err error) {
	defer qs.track("alt_fee_quote", time.Now(), &err)

	if qs.oracle == nil || qs.altAsset == (common.Address{}) {
		return nil, fmt.Errorf("%w: alternate fee asset not configured", ErrNotFound)
	}
	feeX18, err := fpmath.ParseX18(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if feeX18.Sign() < 0 {
		return nil, fmt.Errorf("%w: fee must not be negative", ErrInvalidArgument)
	}
	alt, err := fee.ConvertToAltAsset(qs.oracle, qs.altAsset, feeX18)
	if err != nil {
		return nil, err
	}

	return &AltFeeQuote{
		AltAsset:  qs.altAsset.Hex(),
		Fee:       fpmath.FormatX18(feeX18),
		AltAmount: fpmath.FormatX18(alt),
	}, nil
}

func (qs *QueryService) asset(addr common.Address) (*state.Asset, error) {
	a, err := qs.engine.Markets().Asset(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return a, nil
}
