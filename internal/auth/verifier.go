package auth

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Verifier checks that sig over digest was produced by signer.
type Verifier interface {
	Verify(digest common.Hash, signer common.Address, sig []byte) (bool, error)
}

// Chain tries each verifier in order; the first acceptance wins.
type Chain []Verifier

func (c Chain) Verify(digest common.Hash, signer common.Address, sig []byte) (bool, error) {
	var errs []error
	for _, v := range c {
		ok, err := v.Verify(digest, signer, sig)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// Authenticate returns ErrInvalidSignature unless v accepts the signature.
func Authenticate(v Verifier, digest common.Hash, signer common.Address, sig []byte) error {
	ok, err := v.Verify(digest, signer, sig)
	if err != nil {
		return fmt.Errorf("%w: signer %s: %v", ErrInvalidSignature, signer.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("%w: signer %s", ErrInvalidSignature, signer.Hex())
	}
	return nil
}

// ECDSAVerifier recovers the secp256k1 key from a 65-byte [R || S || V]
// signature. V may be 0/1 or 27/28; high-S signatures are rejected.
type ECDSAVerifier struct{}

func (ECDSAVerifier) Verify(digest common.Hash, signer common.Address, sig []byte) (bool, error) {
	if len(sig) != crypto.SignatureLength {
		return false, nil
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[crypto.RecoveryIDOffset], r, s, true) {
		return false, nil
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return false, nil
	}
	return crypto.PubkeyToAddress(*pub) == signer, nil
}

// ContractAccounts is the on-chain view of programmable accounts.
// IsValidSignature follows the ERC-1271 callback.
type ContractAccounts interface {
	IsContract(account common.Address) bool
	IsValidSignature(account common.Address, digest common.Hash, sig []byte) (bool, error)
}

// ContractAccountVerifier delegates validation to the account itself when
// the signer is a contract.
type ContractAccountVerifier struct {
	Accounts ContractAccounts
}

func (v ContractAccountVerifier) Verify(digest common.Hash, signer common.Address, sig []byte) (bool, error) {
	if v.Accounts == nil || !v.Accounts.IsContract(signer) {
		return false, nil
	}
	return v.Accounts.IsValidSignature(signer, digest, sig)
}

// UniversalValidator validates signatures for programmable accounts that do
// not implement the callback natively (e.g. counterfactual wallets).
type UniversalValidator interface {
	IsValidSig(signer common.Address, digest common.Hash, sig []byte) (bool, error)
}

type FallbackVerifier struct {
	Validator UniversalValidator
}

func (v FallbackVerifier) Verify(digest common.Hash, signer common.Address, sig []byte) (bool, error) {
	if v.Validator == nil {
		return false, nil
	}
	return v.Validator.IsValidSig(signer, digest, sig)
}

// NewDefaultChain builds the standard chain: direct key recovery, then the
// contract callback, then the universal fallback. Nil collaborators are skipped.
func NewDefaultChain(accounts ContractAccounts, fallback UniversalValidator) Chain {
	chain := Chain{ECDSAVerifier{}}
	if accounts != nil {
		chain = append(chain, ContractAccountVerifier{Accounts: accounts})
	}
	if fallback != nil {
		chain = append(chain, FallbackVerifier{Validator: fallback})
	}
	return chain
}
