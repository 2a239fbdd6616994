package core

import (
	"fmt"
	"math/big"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/event"
	"BatchLedger/internal/ledger"
	fpmath "BatchLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

func (e *Engine) addSigningWallet(txID uint32, a *AddSigningWallet) error {
	if err := e.signers.Register(a.Request, a.Consent); err != nil {
		return err
	}
	e.emit(&event.SignerRegistered{
		Base:    event.Base{Tx: txID},
		Account: a.Request.Account,
		Signer:  a.Request.Signer,
		Message: a.Request.Message,
		Nonce:   a.Request.Nonce,
	})
	return nil
}

func (e *Engine) removeSigningWallet(txID uint32, caller common.Address, r *RemovalRequest) error {
	if caller != r.Account {
		return fmt.Errorf("%w: %s for %s", auth.ErrNotAccountOwner, caller.Hex(), r.Account.Hex())
	}
	if err := e.signers.Remove(r.Account, r.Signer); err != nil {
		return err
	}
	e.emit(&event.SignerRemoved{Base: event.Base{Tx: txID}, Account: r.Account, Signer: r.Signer})
	return nil
}

func (e *Engine) setFlags(txID uint32, caller common.Address, flags Flags) error {
	if !e.roles.HasRole(RoleAdmin, caller) {
		return fmt.Errorf("%w: %s is not %s", ErrMissingRole, caller.Hex(), RoleAdmin)
	}
	prev := e.flags
	e.flags = flags
	e.changes.Record(func() { e.flags = prev })

	e.emit(&event.EngineFlagsChanged{
		Base:               event.Base{Tx: txID},
		Paused:             flags.Paused,
		DepositsEnabled:    flags.DepositsEnabled,
		WithdrawalsEnabled: flags.WithdrawalsEnabled,
	})
	return nil
}

func (e *Engine) depositInsurance(txID uint32, asset common.Address, amount *big.Int) error {
	if _, err := e.markets.Asset(asset); err != nil {
		return err
	}
	if err := e.requireAmount(amount); err != nil {
		return err
	}

	b := ledger.NewBatch(txID)
	e.insurance.Deposit(b, asset, amount)
	if err := e.applyBatch(b); err != nil {
		return err
	}
	e.emit(&event.InsuranceDeposited{
		Base:    event.Base{Tx: txID},
		Asset:   asset,
		Amount:  new(big.Int).Set(amount),
		Balance: e.insurance.Balance(asset),
	})
	return nil
}

// withdrawInsurance pays fund balance out to the fee recipient.
func (e *Engine) withdrawInsurance(txID uint32, asset common.Address, amount *big.Int) error {
	a, err := e.markets.Asset(asset)
	if err != nil {
		return err
	}
	if err := e.requireAmount(amount); err != nil {
		return err
	}
	raw, err := fpmath.FromInternalScale(amount, a.Decimals)
	if err != nil {
		return err
	}

	b := ledger.NewBatch(txID)
	if err := e.insurance.Withdraw(b, asset, amount); err != nil {
		return err
	}
	if err := e.applyBatch(b); err != nil {
		return err
	}
	if raw.Sign() > 0 {
		e.addEffect(Effect{Kind: EffectTransfer, TxID: txID, Asset: asset, To: e.params.FeeRecipient, Amount: raw})
	}
	e.emit(&event.InsuranceWithdrawn{
		Base:    event.Base{Tx: txID},
		Asset:   asset,
		Amount:  new(big.Int).Set(amount),
		Balance: e.insurance.Balance(asset),
	})
	return nil
}

func (e *Engine) coverLoss(txID uint32, c *CoverLoss) error {
	if _, err := e.markets.Asset(c.Asset); err != nil {
		return err
	}
	if err := e.requireAmount(c.Amount); err != nil {
		return err
	}

	b := ledger.NewBatch(txID)
	if err := e.insurance.CoverLoss(b, c.Account, c.Asset, c.Amount); err != nil {
		return err
	}
	if err := e.applyBatch(b); err != nil {
		return err
	}
	e.emit(&event.LossCovered{
		Base:    event.Base{Tx: txID},
		Account: c.Account,
		Asset:   c.Asset,
		Amount:  new(big.Int).Set(c.Amount),
	})
	return nil
}

func (e *Engine) updateFundingRate(txID uint32, u *UpdateFundingRate) error {
	if _, err := e.markets.Product(u.ProductIndex); err != nil {
		return err
	}
	cumulative := orZero(u.CumulativeFunding)
	if err := fpmath.CheckRange(cumulative); err != nil {
		return err
	}
	if err := e.funding.Update(u.ProductIndex, cumulative, u.FundingRateID); err != nil {
		return err
	}
	e.emit(&event.FundingRateUpdated{
		Base:              event.Base{Tx: txID},
		ProductIndex:      u.ProductIndex,
		CumulativeFunding: cumulative,
		FundingRateID:     u.FundingRateID,
	})
	return nil
}
