package testutil

import (
	"math/big"
	"testing"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/core"

	"github.com/ethereum/go-ethereum/crypto"
)

// E18 returns n whole units in 18-decimal fixed point.
func E18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// NoSignature is the zero signature carried by liquidated orders.
func NoSignature() []byte {
	return make([]byte, crypto.SignatureLength)
}

// SignOrder fills o.Signature with signer's signature over the order digest.
// signer may be a delegate of o.Sender; o.Signer is set accordingly.
func SignOrder(t testing.TB, d auth.Domain, signer Key, o *core.Order) {
	t.Helper()
	digest, err := d.OrderDigest(auth.OrderPayload{
		Sender:       o.Sender,
		Size:         o.Size,
		Price:        o.Price,
		Nonce:        o.Nonce,
		ProductIndex: o.ProductIndex,
		Side:         uint8(o.Side),
	})
	if err != nil {
		t.Fatalf("order digest: %v", err)
	}
	if signer.Address != o.Sender {
		o.Signer = signer.Address
	}
	o.Signature = signer.Sign(t, digest)
}

// SignWithdraw fills w.Signature with the account's signature.
func SignWithdraw(t testing.TB, d auth.Domain, account Key, w *core.Withdraw) {
	t.Helper()
	digest, err := d.WithdrawDigest(auth.WithdrawPayload{
		Sender: w.Account,
		Token:  w.Asset,
		Amount: w.Amount,
		Nonce:  w.Nonce,
	})
	if err != nil {
		t.Fatalf("withdraw digest: %v", err)
	}
	w.Signature = account.Sign(t, digest)
}

// SignSwap fills s.Signature with the account's signature.
func SignSwap(t testing.TB, d auth.Domain, account Key, s *core.SwapCollateral) {
	t.Helper()
	minOut := s.MinAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	digest, err := d.SwapDigest(auth.SwapPayload{
		Account:      s.Account,
		AssetIn:      s.AssetIn,
		AmountIn:     s.AmountIn,
		AssetOut:     s.AssetOut,
		MinAmountOut: minOut,
		Nonce:        s.Nonce,
	})
	if err != nil {
		t.Fatalf("swap digest: %v", err)
	}
	s.Signature = account.Sign(t, digest)
}

// Records encodes ops as consecutive batch records starting at firstTx.
func Records(t testing.TB, firstTx uint32, ops ...core.Operation) [][]byte {
	t.Helper()
	records := make([][]byte, 0, len(ops))
	for i, op := range ops {
		rec, err := core.EncodeRecord(firstTx+uint32(i), op)
		if err != nil {
			t.Fatalf("encode record %d (%s): %v", i, op.Opcode(), err)
		}
		records = append(records, rec)
	}
	return records
}
