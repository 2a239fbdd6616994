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

// deposit credits tokens that custody has already received.
func (e *Engine) deposit(txID uint32, caller common.Address, req *DepositRequest) error {
	if !e.roles.HasRole(RoleCustodian, caller) {
		return fmt.Errorf("%w: %s is not %s", ErrMissingRole, caller.Hex(), RoleCustodian)
	}
	if e.flags.Paused {
		return ErrPaused
	}
	if !e.flags.DepositsEnabled {
		return ErrDepositsDisabled
	}
	asset, err := e.markets.Asset(req.Asset)
	if err != nil {
		return err
	}
	if req.RawAmount == nil || req.RawAmount.Sign() <= 0 {
		return fmt.Errorf("%w: raw amount %v", ErrZeroAmount, req.RawAmount)
	}
	amount, err := fpmath.ToInternalScale(req.RawAmount, asset.Decimals)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return fmt.Errorf("%w: %s normalizes to zero at %d decimals", ErrZeroAmount, req.RawAmount, asset.Decimals)
	}
	if err := fpmath.CheckRange(amount); err != nil {
		return err
	}

	b := ledger.NewBatch(txID)
	b.Transfer(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, req.Asset),
		ledger.SpotAccount(req.Account, req.Asset), amount, ledger.JournalTypeDeposit)
	if err := e.applyBatch(b); err != nil {
		return err
	}

	e.emit(&event.Deposited{
		Base:      event.Base{Tx: txID},
		Account:   req.Account,
		Asset:     req.Asset,
		Amount:    amount,
		RawAmount: new(big.Int).Set(req.RawAmount),
	})
	return nil
}

// withdraw is soft-policy. Authorization, nonce and shape problems abort the
// batch; an insufficient balance only fails the item, with the nonce kept.
func (e *Engine) withdraw(txID uint32, w *Withdraw) error {
	if !e.flags.WithdrawalsEnabled {
		return ErrWithdrawDisabled
	}
	asset, err := e.markets.Asset(w.Asset)
	if err != nil {
		return err
	}
	if err := e.requireAmount(w.Amount); err != nil {
		return err
	}
	withdrawFee := orZero(w.Fee)

	digest, err := e.params.Domain.WithdrawDigest(auth.WithdrawPayload{
		Sender: w.Account,
		Token:  w.Asset,
		Amount: w.Amount,
		Nonce:  w.Nonce,
	})
	if err != nil {
		return err
	}
	if err := auth.Authenticate(e.verifier, digest, w.Account, w.Signature); err != nil {
		return fmt.Errorf("withdraw nonce %d: %w", w.Nonce, err)
	}
	if err := e.withdraws.Use(w.Account, w.Nonce); err != nil {
		return err
	}

	mark := e.changes.Mark()
	err = e.settleWithdraw(txID, w, asset, withdrawFee)
	if err == nil {
		return nil
	}
	return e.softFail(mark, OpWithdraw, err, &event.WithdrawFailed{
		Base:    event.Base{Tx: txID},
		Account: w.Account,
		Asset:   w.Asset,
		Nonce:   w.Nonce,
		Amount:  new(big.Int).Set(w.Amount),
		Reason:  err.Error(),
	})
}

func (e *Engine) settleWithdraw(txID uint32, w *Withdraw, asset *state.Asset, requestedFee *big.Int) error {
	withdrawFee, err := fee.CapWithdrawFee(requestedFee, w.Amount, asset.MaxWithdrawFeeRate)
	if err != nil {
		return err
	}
	net := new(big.Int).Sub(w.Amount, withdrawFee)
	raw, err := fpmath.FromInternalScale(net, asset.Decimals)
	if err != nil {
		return err
	}
	if raw.Sign() <= 0 {
		return fmt.Errorf("%w: %s normalizes to zero at %d decimals", ErrZeroAmount, net, asset.Decimals)
	}

	if err := e.requireFunds(w.Account, w.Asset, w.Amount); err != nil {
		return err
	}

	b := ledger.NewBatch(txID)
	spot := ledger.SpotAccount(w.Account, w.Asset)
	b.Transfer(spot, state.FeePoolAccount(state.FeeKindSequencer, w.Asset), withdrawFee, ledger.JournalTypeWithdrawalFee)
	b.Transfer(spot, ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, w.Asset), net, ledger.JournalTypeWithdrawal)
	if err := e.applyBatch(b); err != nil {
		return err
	}

	e.addEffect(Effect{Kind: EffectTransfer, TxID: txID, Asset: w.Asset, To: w.Account, Amount: raw})
	e.emit(&event.WithdrawSucceeded{
		Base:      event.Base{Tx: txID},
		Account:   w.Account,
		Asset:     w.Asset,
		Nonce:     w.Nonce,
		Amount:    new(big.Int).Set(w.Amount),
		Fee:       withdrawFee,
		RawAmount: raw,
	})
	return nil
}

// requireFunds checks both the account's balance and the venue-wide total
// for the asset; the total guards against paying out more than is held.
func (e *Engine) requireFunds(account, asset common.Address, amount *big.Int) error {
	if balance := e.balances.SpotBalance(account, asset); balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, account.Hex(), balance, amount)
	}
	if total := e.balances.TotalBalance(asset); total.Cmp(amount) < 0 {
		return fmt.Errorf("%w: venue total %s below %s", ErrInsufficientFunds, total, amount)
	}
	return nil
}

// swapCollateral converts one collateral asset into another at the router's
// quote. Soft-policy, like withdraw.
func (e *Engine) swapCollateral(txID uint32, s *SwapCollateral) error {
	if e.swapper == nil {
		return ErrSwapDisabled
	}
	if s.AssetIn == s.AssetOut {
		return fmt.Errorf("%w: %s", ErrSameAsset, s.AssetIn.Hex())
	}
	assetIn, err := e.markets.Asset(s.AssetIn)
	if err != nil {
		return err
	}
	assetOut, err := e.markets.Asset(s.AssetOut)
	if err != nil {
		return err
	}
	if err := e.requireAmount(s.AmountIn); err != nil {
		return err
	}
	minOut := orZero(s.MinAmountOut)

	digest, err := e.params.Domain.SwapDigest(auth.SwapPayload{
		Account:      s.Account,
		AssetIn:      s.AssetIn,
		AmountIn:     s.AmountIn,
		AssetOut:     s.AssetOut,
		MinAmountOut: minOut,
		Nonce:        s.Nonce,
	})
	if err != nil {
		return err
	}
	if err := auth.Authenticate(e.verifier, digest, s.Account, s.Signature); err != nil {
		return fmt.Errorf("swap nonce %d: %w", s.Nonce, err)
	}
	if err := e.swaps.Use(s.Account, s.Nonce); err != nil {
		return err
	}

	mark := e.changes.Mark()
	err = e.settleSwap(txID, s, assetIn, assetOut, minOut)
	if err == nil {
		return nil
	}
	return e.softFail(mark, OpSwapCollateral, err, &event.SwapFailed{
		Base:     event.Base{Tx: txID},
		Account:  s.Account,
		AssetIn:  s.AssetIn,
		AmountIn: new(big.Int).Set(s.AmountIn),
		AssetOut: s.AssetOut,
		Nonce:    s.Nonce,
		Reason:   err.Error(),
	})
}

func (e *Engine) settleSwap(txID uint32, s *SwapCollateral, assetIn, assetOut *state.Asset, minOut *big.Int) error {
	swapFee, err := fee.CapWithdrawFee(orZero(s.Fee), s.AmountIn, assetIn.MaxWithdrawFeeRate)
	if err != nil {
		return err
	}
	if err := e.requireFunds(s.Account, s.AssetIn, s.AmountIn); err != nil {
		return err
	}

	netIn := new(big.Int).Sub(s.AmountIn, swapFee)
	rawIn, err := fpmath.FromInternalScale(netIn, assetIn.Decimals)
	if err != nil {
		return err
	}
	if rawIn.Sign() <= 0 {
		return fmt.Errorf("%w: %s normalizes to zero at %d decimals", ErrZeroAmount, netIn, assetIn.Decimals)
	}

	out, err := e.swapper.QuoteSwap(s.AssetIn, netIn, s.AssetOut)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSwapUnavailable, err)
	}
	if out == nil || out.Cmp(minOut) < 0 {
		return fmt.Errorf("%w: quoted %v, minimum %s", ErrSlippage, out, minOut)
	}
	rawMinOut, err := fpmath.FromInternalScale(out, assetOut.Decimals)
	if err != nil {
		return err
	}

	b := ledger.NewBatch(txID)
	b.Transfer(ledger.SpotAccount(s.Account, s.AssetIn), state.FeePoolAccount(state.FeeKindSequencer, s.AssetIn),
		swapFee, ledger.JournalTypeSwapFee)
	b.Transfer(ledger.SpotAccount(s.Account, s.AssetIn), ledger.NewExternalAccountKey(ledger.SubTypeExternalSwaps, s.AssetIn),
		netIn, ledger.JournalTypeSwapIn)
	b.Transfer(ledger.NewExternalAccountKey(ledger.SubTypeExternalSwaps, s.AssetOut), ledger.SpotAccount(s.Account, s.AssetOut),
		out, ledger.JournalTypeSwapOut)
	if err := e.applyBatch(b); err != nil {
		return err
	}

	e.addEffect(Effect{
		Kind:         EffectSwap,
		TxID:         txID,
		Asset:        s.AssetIn,
		To:           s.Account,
		Amount:       rawIn,
		AssetOut:     s.AssetOut,
		MinAmountOut: rawMinOut,
	})
	e.emit(&event.SwapSucceeded{
		Base:      event.Base{Tx: txID},
		Account:   s.Account,
		AssetIn:   s.AssetIn,
		AmountIn:  new(big.Int).Set(s.AmountIn),
		AssetOut:  s.AssetOut,
		AmountOut: new(big.Int).Set(out),
		Fee:       swapFee,
		Nonce:     s.Nonce,
	})
	return nil
}

// claimFees pays out one fee pool kind for every supported asset, including
// fees held by collaborating modules.
func (e *Engine) claimFees(txID uint32, kind state.FeeKind) error {
	b := ledger.NewBatch(txID)
	type payout struct {
		asset  *state.Asset
		amount *big.Int
	}
	var payouts []payout
	var resets []Effect

	for _, asset := range e.markets.Assets() {
		total := e.pools.Drain(b, kind, asset.Address)
		for _, src := range e.feeSources {
			pending := src.PendingFees(kind, asset.Address)
			if pending == nil || pending.Sign() <= 0 {
				continue
			}
			total.Add(total, pending)
			resets = append(resets, Effect{
				Kind:    EffectFeeReset,
				TxID:    txID,
				Asset:   asset.Address,
				Amount:  new(big.Int).Set(pending),
				Source:  src.Name(),
				FeeKind: kind.String(),
			})
		}
		if total.Sign() > 0 {
			payouts = append(payouts, payout{asset: asset, amount: total})
		}
	}

	if err := e.applyBatch(b); err != nil {
		return err
	}
	for _, r := range resets {
		e.addEffect(r)
	}
	for _, p := range payouts {
		raw, err := fpmath.FromInternalScale(p.amount, p.asset.Decimals)
		if err != nil {
			return err
		}
		if raw.Sign() > 0 {
			e.addEffect(Effect{Kind: EffectTransfer, TxID: txID, Asset: p.asset.Address, To: e.params.FeeRecipient, Amount: raw})
		}
		e.emit(&event.FeesClaimed{
			Base:      event.Base{Tx: txID},
			Kind:      kind.String(),
			Asset:     p.asset.Address,
			Recipient: e.params.FeeRecipient,
			Amount:    p.amount,
			RawAmount: raw,
		})
	}
	return nil
}
