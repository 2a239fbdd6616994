package core

import (
	"errors"
	"fmt"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/state"
)

// Kind classifies a failure for the batch failure policy.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSequencing
	KindAuthorization
	KindValidation
	KindResource
	KindFeatureDisabled
)

func (k Kind) String() string {
	switch k {
	case KindSequencing:
		return "sequencing"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindFeatureDisabled:
		return "feature_disabled"
	default:
		return "unknown"
	}
}

var (
	ErrTxIDMismatch      = errors.New("transaction id mismatch")
	ErrCounterExhausted  = errors.New("transaction counter exhausted")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrDeprecatedOpcode  = errors.New("deprecated opcode")
	ErrMalformedRecord   = errors.New("malformed record")
	ErrUnknownCommand    = errors.New("unknown command kind")
	ErrDuplicateCommand  = errors.New("duplicate command")
	ErrEmptyBatch        = errors.New("empty batch")
	ErrPaused            = errors.New("engine paused")
	ErrDepositsDisabled  = errors.New("deposits disabled")
	ErrWithdrawDisabled  = errors.New("withdrawals disabled")
	ErrSwapDisabled      = errors.New("collateral swaps disabled")
	ErrMissingRole       = errors.New("caller lacks required role")
	ErrZeroAmount        = errors.New("amount is zero")
	ErrSameAsset         = errors.New("swap assets must differ")
	ErrInvalidOrder      = errors.New("order size and price must be positive")
	ErrProductMismatch   = errors.New("orders reference different products")
	ErrLiquidationFlag   = errors.New("liquidation flags invalid for opcode")
	ErrSameSide          = errors.New("orders are on the same side")
	ErrSelfTrade         = errors.New("maker and taker are the same account")
	ErrPriceNotCrossed   = errors.New("buy price below sell price")
	ErrOrderFilled       = errors.New("order already filled")
	ErrFeeAssetMissing   = errors.New("alternate fee asset not configured")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrSlippage          = errors.New("swap output below minimum")
	ErrSwapUnavailable   = errors.New("swap route unavailable")
)

// sentinel kinds for errors raised outside the core package
var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrTxIDMismatch, KindSequencing},
	{ErrCounterExhausted, KindSequencing},
	{ErrDuplicateCommand, KindSequencing},
	{state.ErrFundingIDMismatch, KindSequencing},

	{auth.ErrInvalidSignature, KindAuthorization},
	{auth.ErrUnauthorizedSigner, KindAuthorization},
	{auth.ErrNotAccountOwner, KindAuthorization},
	{auth.ErrNonceUsed, KindAuthorization},
	{ErrMissingRole, KindAuthorization},

	{ErrPaused, KindFeatureDisabled},
	{ErrDepositsDisabled, KindFeatureDisabled},
	{ErrWithdrawDisabled, KindFeatureDisabled},
	{ErrSwapDisabled, KindFeatureDisabled},
	{ErrFeeAssetMissing, KindFeatureDisabled},

	{ErrInsufficientFunds, KindResource},
	{state.ErrInsufficientInsurance, KindResource},
}

// KindOf classifies err. A *Error reports its own kind; anything else is
// matched against known sentinels and defaults to KindValidation.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindValidation
}

// Error is returned for every rejected command. Index is the record position
// within a batch, or -1 when the failure is not tied to a record.
type Error struct {
	Kind    Kind
	Command CommandKind
	Op      Opcode
	Index   int
	TxID    uint32
	Err     error
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Command, e.Err)
	}
	return fmt.Sprintf("%s error in %s (record %d, tx %d): %v", e.Kind, e.Op, e.Index, e.TxID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapError(cmd CommandKind, op Opcode, index int, txID uint32, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Command: cmd, Op: op, Index: index, TxID: txID, Err: err}
}

// isSoftFailure reports whether a soft-policy operation may record the
// failure and continue the batch.
func isSoftFailure(err error) bool {
	if KindOf(err) == KindResource {
		return true
	}
	return errors.Is(err, ErrSlippage) || errors.Is(err, ErrSwapUnavailable)
}
