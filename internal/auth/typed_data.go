package auth

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain every signed message is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var (
	orderType = []apitypes.Type{
		{Name: "sender", Type: "address"},
		{Name: "size", Type: "uint128"},
		{Name: "price", Type: "uint128"},
		{Name: "nonce", Type: "uint64"},
		{Name: "productIndex", Type: "uint8"},
		{Name: "orderSide", Type: "uint8"},
	}
	withdrawType = []apitypes.Type{
		{Name: "sender", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint128"},
		{Name: "nonce", Type: "uint64"},
	}
	swapType = []apitypes.Type{
		{Name: "account", Type: "address"},
		{Name: "assetIn", Type: "address"},
		{Name: "amountIn", Type: "uint128"},
		{Name: "assetOut", Type: "address"},
		{Name: "minAmountOut", Type: "uint128"},
		{Name: "nonce", Type: "uint64"},
	}
	registerType = []apitypes.Type{
		{Name: "key", Type: "address"},
		{Name: "message", Type: "string"},
		{Name: "nonce", Type: "uint64"},
	}
	signKeyType = []apitypes.Type{
		{Name: "account", Type: "address"},
	}
)

// OrderPayload is the signed part of an order.
type OrderPayload struct {
	Sender       common.Address
	Size         *big.Int
	Price        *big.Int
	Nonce        uint64
	ProductIndex uint8
	Side         uint8
}

type WithdrawPayload struct {
	Sender common.Address
	Token  common.Address
	Amount *big.Int
	Nonce  uint64
}

type SwapPayload struct {
	Account      common.Address
	AssetIn      common.Address
	AmountIn     *big.Int
	AssetOut     common.Address
	MinAmountOut *big.Int
	Nonce        uint64
}

func (d Domain) digest(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           gethmath.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: msg,
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", primary, err)
	}
	return common.BytesToHash(hash), nil
}

func u64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// OrderDigest is the hash signed by an order's signer. It also identifies the
// order for fill tracking.
func (d Domain) OrderDigest(o OrderPayload) (common.Hash, error) {
	return d.digest("Order", orderType, apitypes.TypedDataMessage{
		"sender":       o.Sender.Hex(),
		"size":         new(big.Int).Set(o.Size),
		"price":        new(big.Int).Set(o.Price),
		"nonce":        u64(o.Nonce),
		"productIndex": big.NewInt(int64(o.ProductIndex)),
		"orderSide":    big.NewInt(int64(o.Side)),
	})
}

func (d Domain) WithdrawDigest(w WithdrawPayload) (common.Hash, error) {
	return d.digest("Withdraw", withdrawType, apitypes.TypedDataMessage{
		"sender": w.Sender.Hex(),
		"token":  w.Token.Hex(),
		"amount": new(big.Int).Set(w.Amount),
		"nonce":  u64(w.Nonce),
	})
}

func (d Domain) SwapDigest(s SwapPayload) (common.Hash, error) {
	return d.digest("SwapCollateral", swapType, apitypes.TypedDataMessage{
		"account":      s.Account.Hex(),
		"assetIn":      s.AssetIn.Hex(),
		"amountIn":     new(big.Int).Set(s.AmountIn),
		"assetOut":     s.AssetOut.Hex(),
		"minAmountOut": new(big.Int).Set(s.MinAmountOut),
		"nonce":        u64(s.Nonce),
	})
}

// RegisterDigest is signed by the account: it binds the signer, a
// human-readable message and the registration nonce.
func (d Domain) RegisterDigest(signer common.Address, message string, nonce uint64) (common.Hash, error) {
	return d.digest("Register", registerType, apitypes.TypedDataMessage{
		"key":     signer.Hex(),
		"message": message,
		"nonce":   u64(nonce),
	})
}

// SignKeyDigest is signed by the candidate signer: it binds the account only.
func (d Domain) SignKeyDigest(account common.Address) (common.Hash, error) {
	return d.digest("SignKey", signKeyType, apitypes.TypedDataMessage{
		"account": account.Hex(),
	})
}
