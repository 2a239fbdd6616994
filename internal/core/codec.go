package core

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"BatchLedger/internal/auth"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wire layout: every record is opcode:1 | txID:4 (big-endian) | payload.
// Integers are 16-byte big-endian, two's complement where signed. Addresses
// are 20 bytes, signatures 65.
const (
	HeaderSize    = 5
	OrderSize     = 20 + 16 + 16 + 8 + 1 + 1 + crypto.SignatureLength + 20 + 1 + 16
	maxMessageLen = 1<<16 - 1
)

// DecodeHeader splits a record into its opcode, tx id and payload.
func DecodeHeader(record []byte) (Opcode, uint32, []byte, error) {
	if len(record) < HeaderSize {
		return OpNone, 0, nil, fmt.Errorf("%w: record of %d bytes is shorter than header", ErrMalformedRecord, len(record))
	}
	return Opcode(record[0]), binary.BigEndian.Uint32(record[1:5]), record[HeaderSize:], nil
}

// DecodeOperation parses the payload of a record with the given opcode.
func DecodeOperation(op Opcode, payload []byte) (Operation, error) {
	r := &reader{buf: payload}
	var out Operation

	switch op {
	case OpAddSigningWallet:
		w := &AddSigningWallet{}
		w.Request.Account = r.address()
		w.Request.Signer = r.address()
		w.Request.Nonce = r.uint64()
		w.Request.Message = string(r.take(int(r.uint16())))
		w.Request.AccountSig = r.signature()
		w.Consent = auth.SignerConsent{
			Signer:    w.Request.Signer,
			Account:   w.Request.Account,
			SignerSig: r.signature(),
		}
		out = w

	case OpMatchOrders, OpMatchLiquidationOrders:
		m := &MatchOrders{Liquidation: op == OpMatchLiquidationOrders}
		m.Maker = r.order()
		m.Taker = r.order()
		m.SequencerFee = r.uint128()
		m.MakerReferrer = r.address()
		m.MakerRebateBps = r.uint16()
		m.TakerReferrer = r.address()
		m.TakerRebateBps = r.uint16()
		m.MakerFeeInAlt = r.bool()
		m.TakerFeeInAlt = r.bool()
		if m.Liquidation {
			m.LiquidationPenalty = r.uint128()
		}
		out = m

	case OpUpdateFundingRate:
		out = &UpdateFundingRate{
			ProductIndex:      r.uint8(),
			CumulativeFunding: r.int128(),
			FundingRateID:     r.uint64(),
		}

	case OpAssertOpenInterest:
		return nil, ErrDeprecatedOpcode

	case OpCoverLossByInsurance:
		out = &CoverLoss{Account: r.address(), Asset: r.address(), Amount: r.uint128()}

	case OpWithdraw:
		out = &Withdraw{
			Account:   r.address(),
			Asset:     r.address(),
			Amount:    r.uint128(),
			Nonce:     r.uint64(),
			Signature: r.signature(),
			Fee:       r.uint128(),
		}

	case OpSwapCollateral:
		out = &SwapCollateral{
			Account:      r.address(),
			AssetIn:      r.address(),
			AmountIn:     r.uint128(),
			AssetOut:     r.address(),
			MinAmountOut: r.uint128(),
			Nonce:        r.uint64(),
			Fee:          r.uint128(),
			Signature:    r.signature(),
		}

	case OpDepositInsuranceFund:
		out = &DepositInsuranceFund{Asset: r.address(), Amount: r.uint128()}

	case OpWithdrawInsuranceFund:
		out = &WithdrawInsuranceFund{Asset: r.address(), Amount: r.uint128()}

	case OpClaimTradingFees:
		out = &ClaimFees{Kind: state.FeeKindTrading}

	case OpClaimSequencerFees:
		out = &ClaimFees{Kind: state.FeeKindSequencer}

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(op))
	}

	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", op, err)
	}
	return out, nil
}

// reader is a cursor over a payload. The first short read records an error
// and every later read returns zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedRecord, n, r.off, len(r.buf)-r.off)
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedRecord, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) address() common.Address { return common.BytesToAddress(r.take(common.AddressLength)) }
func (r *reader) uint8() uint8             { return r.take(1)[0] }
func (r *reader) uint16() uint16           { return binary.BigEndian.Uint16(r.take(2)) }
func (r *reader) uint64() uint64           { return binary.BigEndian.Uint64(r.take(8)) }
func (r *reader) uint128() *big.Int        { return fpmath.ReadUint128(r.take(16)) }
func (r *reader) int128() *big.Int         { return fpmath.ReadInt128(r.take(16)) }

func (r *reader) signature() []byte {
	return append([]byte(nil), r.take(crypto.SignatureLength)...)
}

func (r *reader) bool() bool {
	switch b := r.uint8(); b {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: boolean byte %d at offset %d", ErrMalformedRecord, b, r.off-1)
		}
		return false
	}
}

func (r *reader) order() Order {
	var o Order
	o.Sender = r.address()
	o.Size = r.uint128()
	o.Price = r.uint128()
	o.Nonce = r.uint64()
	o.ProductIndex = r.uint8()
	side := r.uint8()
	if side > uint8(SideSell) && r.err == nil {
		r.err = fmt.Errorf("%w: order side %d", ErrMalformedRecord, side)
	}
	o.Side = Side(side)
	o.Signature = r.signature()
	o.Signer = r.address()
	o.IsLiquidated = r.bool()
	o.Fee = r.int128()
	return o
}

// --- Encoding ---

// EncodeRecord serializes an operation into a batch record. It is the inverse
// of DecodeHeader followed by DecodeOperation and is used by sequencer-side
// tooling and tests.
func EncodeRecord(txID uint32, op Operation) ([]byte, error) {
	w := &writer{}
	w.uint8(uint8(op.Opcode()))
	w.uint32(txID)

	switch o := op.(type) {
	case *AddSigningWallet:
		if len(o.Request.Message) > maxMessageLen {
			return nil, fmt.Errorf("registration message of %d bytes exceeds %d", len(o.Request.Message), maxMessageLen)
		}
		w.address(o.Request.Account)
		w.address(o.Request.Signer)
		w.uint64(o.Request.Nonce)
		w.uint16(uint16(len(o.Request.Message)))
		w.bytes([]byte(o.Request.Message))
		w.signature(o.Request.AccountSig)
		w.signature(o.Consent.SignerSig)

	case *MatchOrders:
		w.order(&o.Maker)
		w.order(&o.Taker)
		w.uint128(o.SequencerFee)
		w.address(o.MakerReferrer)
		w.uint16(o.MakerRebateBps)
		w.address(o.TakerReferrer)
		w.uint16(o.TakerRebateBps)
		w.bool(o.MakerFeeInAlt)
		w.bool(o.TakerFeeInAlt)
		if o.Liquidation {
			w.uint128(o.LiquidationPenalty)
		}

	case *UpdateFundingRate:
		w.uint8(o.ProductIndex)
		w.int128(o.CumulativeFunding)
		w.uint64(o.FundingRateID)

	case *CoverLoss:
		w.address(o.Account)
		w.address(o.Asset)
		w.uint128(o.Amount)

	case *Withdraw:
		w.address(o.Account)
		w.address(o.Asset)
		w.uint128(o.Amount)
		w.uint64(o.Nonce)
		w.signature(o.Signature)
		w.uint128(o.Fee)

	case *SwapCollateral:
		w.address(o.Account)
		w.address(o.AssetIn)
		w.uint128(o.AmountIn)
		w.address(o.AssetOut)
		w.uint128(o.MinAmountOut)
		w.uint64(o.Nonce)
		w.uint128(o.Fee)
		w.signature(o.Signature)

	case *DepositInsuranceFund:
		w.address(o.Asset)
		w.uint128(o.Amount)

	case *WithdrawInsuranceFund:
		w.address(o.Asset)
		w.uint128(o.Amount)

	case *ClaimFees:
		// empty payload

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOpcode, op)
	}

	if w.err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.Opcode(), w.err)
	}
	return w.buf, nil
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) bytes(b []byte)           { w.buf = append(w.buf, b...) }
func (w *writer) address(a common.Address) { w.buf = append(w.buf, a.Bytes()...) }
func (w *writer) uint8(v uint8)            { w.buf = append(w.buf, v) }
func (w *writer) uint16(v uint16)          { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) uint32(v uint32)          { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) uint64(v uint64)          { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
	} else {
		w.uint8(0)
	}
}

func (w *writer) uint128(v *big.Int) {
	var b [16]byte
	if v == nil {
		v = new(big.Int)
	}
	if err := fpmath.PutUint128(b[:], v); err != nil && w.err == nil {
		w.err = err
	}
	w.bytes(b[:])
}

func (w *writer) int128(v *big.Int) {
	var b [16]byte
	if v == nil {
		v = new(big.Int)
	}
	if err := fpmath.PutInt128(b[:], v); err != nil && w.err == nil {
		w.err = err
	}
	w.bytes(b[:])
}

func (w *writer) signature(sig []byte) {
	if len(sig) != crypto.SignatureLength && w.err == nil {
		w.err = fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	var b [crypto.SignatureLength]byte
	copy(b[:], sig)
	w.bytes(b[:])
}

func (w *writer) order(o *Order) {
	w.address(o.Sender)
	w.uint128(o.Size)
	w.uint128(o.Price)
	w.uint64(o.Nonce)
	w.uint8(o.ProductIndex)
	w.uint8(uint8(o.Side))
	w.signature(o.Signature)
	w.address(o.Signer)
	w.bool(o.IsLiquidated)
	w.int128(o.Fee)
}
