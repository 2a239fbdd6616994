package core

import (
	"fmt"
	"math/big"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/event"
	"BatchLedger/internal/fee"
	"BatchLedger/internal/ledger"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// matchOrders settles one maker/taker pair at the maker's price.
//
// Checks run in a fixed order: product, liquidation flags, sides, rebate
// rates, signatures, price cross, remaining size. Nothing is written until
// all of them pass.
func (e *Engine) matchOrders(txID uint32, m *MatchOrders) error {
	maker, taker := &m.Maker, &m.Taker
	penalty := orZero(m.LiquidationPenalty)
	sequencerFee := orZero(m.SequencerFee)
	maker.Fee, taker.Fee = orZero(maker.Fee), orZero(taker.Fee)

	if maker.ProductIndex != taker.ProductIndex {
		return fmt.Errorf("%w: maker %d, taker %d", ErrProductMismatch, maker.ProductIndex, taker.ProductIndex)
	}
	product, err := e.markets.Product(maker.ProductIndex)
	if err != nil {
		return err
	}

	if err := checkLiquidationFlags(m); err != nil {
		return err
	}

	if maker.Side == taker.Side {
		return fmt.Errorf("%w: both %s", ErrSameSide, maker.Side)
	}
	if maker.Sender == taker.Sender {
		return fmt.Errorf("%w: %s", ErrSelfTrade, maker.Sender.Hex())
	}
	for _, o := range [2]*Order{maker, taker} {
		if o.Size.Sign() <= 0 || o.Price.Sign() <= 0 {
			return fmt.Errorf("%w: %s order nonce %d", ErrInvalidOrder, o.Sender.Hex(), o.Nonce)
		}
	}

	if m.MakerRebateBps > fee.MaxRebateBps || m.TakerRebateBps > fee.MaxRebateBps {
		return fmt.Errorf("%w: maker %d, taker %d bps", fee.ErrRebateRateTooHigh, m.MakerRebateBps, m.TakerRebateBps)
	}

	makerFeeAsset, err := e.feeAsset(product, m.MakerFeeInAlt)
	if err != nil {
		return err
	}
	takerFeeAsset, err := e.feeAsset(product, m.TakerFeeInAlt)
	if err != nil {
		return err
	}

	makerHash, err := e.authorizeOrder(maker)
	if err != nil {
		return fmt.Errorf("maker: %w", err)
	}
	takerHash, err := e.authorizeOrder(taker)
	if err != nil {
		return fmt.Errorf("taker: %w", err)
	}

	buy, sell := maker, taker
	if maker.Side == SideSell {
		buy, sell = taker, maker
	}
	if buy.Price.Cmp(sell.Price) < 0 {
		return fmt.Errorf("%w: buy %s < sell %s", ErrPriceNotCrossed, buy.Price, sell.Price)
	}

	makerFilled := e.filledOf(makerHash)
	takerFilled := e.filledOf(takerHash)
	fill := fpmath.Min(
		new(big.Int).Sub(maker.Size, makerFilled),
		new(big.Int).Sub(taker.Size, takerFilled),
	)
	if fill.Sign() <= 0 {
		return fmt.Errorf("%w: maker filled %s/%s, taker filled %s/%s",
			ErrOrderFilled, makerFilled, maker.Size, takerFilled, taker.Size)
	}

	price := maker.Price
	notional := fee.Notional(fill, price)
	idx := product.Index
	settlement := product.SettlementAsset

	makerRebate, err := referralRebate(maker.Fee, m.MakerReferrer, m.MakerRebateBps)
	if err != nil {
		return err
	}
	takerRebate, err := referralRebate(taker.Fee, m.TakerReferrer, m.TakerRebateBps)
	if err != nil {
		return err
	}

	b := ledger.NewBatch(txID)

	// Size moves seller to buyer; notional moves buyer to seller.
	b.Transfer(ledger.PositionSizeAccount(sell.Sender, idx), ledger.PositionSizeAccount(buy.Sender, idx),
		fill, ledger.JournalTypeTradeSize)
	b.Transfer(ledger.PositionQuoteAccount(buy.Sender, idx, settlement), ledger.PositionQuoteAccount(sell.Sender, idx, settlement),
		notional, ledger.JournalTypeTradeNotional)

	makerFeeAccount := feeAccount(maker.Sender, idx, settlement, makerFeeAsset)
	takerFeeAccount := feeAccount(taker.Sender, idx, settlement, takerFeeAsset)
	chargeFee(b, makerFeeAccount, makerFeeAsset, maker.Fee)
	chargeFee(b, takerFeeAccount, takerFeeAsset, taker.Fee)

	b.Transfer(ledger.PositionQuoteAccount(taker.Sender, idx, settlement), state.FeePoolAccount(state.FeeKindSequencer, settlement),
		sequencerFee, ledger.JournalTypeSequencerFee)

	var liquidated *Order
	var liquidatedAccount ledger.AccountKey
	if m.Liquidation {
		liquidated, liquidatedAccount = maker, makerFeeAccount
		if taker.IsLiquidated {
			liquidated, liquidatedAccount = taker, takerFeeAccount
		}
		e.insurance.CollectPenalty(b, liquidatedAccount, penalty)
	}

	b.Transfer(state.FeePoolAccount(state.FeeKindTrading, makerFeeAsset), ledger.SpotAccount(m.MakerReferrer, makerFeeAsset),
		makerRebate, ledger.JournalTypeReferralRebate)
	b.Transfer(state.FeePoolAccount(state.FeeKindTrading, takerFeeAsset), ledger.SpotAccount(m.TakerReferrer, takerFeeAsset),
		takerRebate, ledger.JournalTypeReferralRebate)

	if err := e.applyBatch(b); err != nil {
		return err
	}

	e.setFilled(makerHash, new(big.Int).Add(makerFilled, fill))
	e.setFilled(takerHash, new(big.Int).Add(takerFilled, fill))

	matched := &event.OrderMatched{
		Base:           event.Base{Tx: txID},
		ProductIndex:   idx,
		Maker:          maker.Sender,
		Taker:          taker.Sender,
		MakerNonce:     maker.Nonce,
		TakerNonce:     taker.Nonce,
		MakerIsBuyer:   maker.Side == SideBuy,
		Size:           fill,
		Price:          new(big.Int).Set(price),
		MakerFee:       new(big.Int).Set(maker.Fee),
		TakerFee:       new(big.Int).Set(taker.Fee),
		SequencerFee:   sequencerFee,
		IsLiquidation:  m.Liquidation,
		MakerOrderHash: makerHash,
		TakerOrderHash: takerHash,
	}
	if m.Liquidation {
		matched.LiquidationPenalty = penalty
	}
	if makerFeeAsset == takerFeeAsset {
		matched.NetTradingFee = fee.NetTradingFee(maker.Fee, taker.Fee, makerRebate, takerRebate)
	}
	e.emit(matched)

	if maker.Fee.Sign() < 0 {
		e.emit(&event.MakerRebated{
			Base:   event.Base{Tx: txID},
			Maker:  maker.Sender,
			Asset:  makerFeeAsset,
			Amount: new(big.Int).Neg(maker.Fee),
		})
	}
	if makerRebate.Sign() > 0 {
		e.emit(&event.ReferralRebated{Base: event.Base{Tx: txID}, Referrer: m.MakerReferrer, Referee: maker.Sender, Asset: makerFeeAsset, Amount: makerRebate})
	}
	if takerRebate.Sign() > 0 {
		e.emit(&event.ReferralRebated{Base: event.Base{Tx: txID}, Referrer: m.TakerReferrer, Referee: taker.Sender, Asset: takerFeeAsset, Amount: takerRebate})
	}
	if liquidated != nil && penalty.Sign() > 0 {
		e.emit(&event.LiquidationPenaltyCollected{
			Base:    event.Base{Tx: txID},
			Account: liquidated.Sender,
			Asset:   liquidatedAccount.Asset,
			Amount:  penalty,
		})
	}
	return nil
}

// checkLiquidationFlags: a regular match has no liquidated side, a
// liquidation match has exactly one.
func checkLiquidationFlags(m *MatchOrders) error {
	n := 0
	if m.Maker.IsLiquidated {
		n++
	}
	if m.Taker.IsLiquidated {
		n++
	}
	switch {
	case !m.Liquidation && n != 0:
		return fmt.Errorf("%w: %s with liquidated order", ErrLiquidationFlag, OpMatchOrders)
	case m.Liquidation && n != 1:
		return fmt.Errorf("%w: %s needs exactly one liquidated order, got %d", ErrLiquidationFlag, OpMatchLiquidationOrders, n)
	}
	return nil
}

// authorizeOrder returns the order digest after checking that its signer may
// act for the sender and signed it. Liquidated orders are produced by the
// sequencer's liquidation engine and carry no user signature.
func (e *Engine) authorizeOrder(o *Order) (common.Hash, error) {
	digest, err := e.params.Domain.OrderDigest(o.payload())
	if err != nil {
		return common.Hash{}, err
	}
	if o.IsLiquidated {
		return digest, nil
	}

	signer := o.Signer
	if signer == (common.Address{}) {
		signer = o.Sender
	}
	if err := e.signers.RequireAuthorized(o.Sender, signer); err != nil {
		return common.Hash{}, err
	}
	if err := auth.Authenticate(e.verifier, digest, signer, o.Signature); err != nil {
		return common.Hash{}, fmt.Errorf("order nonce %d: %w", o.Nonce, err)
	}
	return digest, nil
}

func (e *Engine) feeAsset(product *state.Product, inAlt bool) (common.Address, error) {
	if !inAlt {
		return product.SettlementAsset, nil
	}
	if e.params.AltFeeAsset == (common.Address{}) {
		return common.Address{}, ErrFeeAssetMissing
	}
	if _, err := e.markets.Asset(e.params.AltFeeAsset); err != nil {
		return common.Address{}, err
	}
	return e.params.AltFeeAsset, nil
}

func (e *Engine) filledOf(hash common.Hash) *big.Int {
	if v, ok := e.filled[hash]; ok {
		return v
	}
	return new(big.Int)
}

// feeAccount is where a side's fee is charged: the position's quote account
// for settlement-asset fees, the spot balance for alternate-asset fees.
func feeAccount(owner common.Address, product uint8, settlement, feeAsset common.Address) ledger.AccountKey {
	if feeAsset == settlement {
		return ledger.PositionQuoteAccount(owner, product, settlement)
	}
	return ledger.SpotAccount(owner, feeAsset)
}

// chargeFee moves a signed fee between a trader and the trading-fee pool. A
// negative fee is a maker rebate paid out of the pool.
func chargeFee(b *ledger.Batch, from ledger.AccountKey, asset common.Address, amount *big.Int) {
	jt := ledger.JournalTypeTradeFee
	if amount.Sign() < 0 {
		jt = ledger.JournalTypeMakerRebate
	}
	b.Transfer(from, state.FeePoolAccount(state.FeeKindTrading, asset), amount, jt)
}

func referralRebate(orderFee *big.Int, referrer common.Address, bps uint16) (*big.Int, error) {
	if referrer == (common.Address{}) {
		return new(big.Int), nil
	}
	return fee.ReferralRebate(orderFee, bps)
}

// orZero copies v, treating nil as zero.
func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
