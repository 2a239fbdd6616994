package testutil

import (
	"crypto/ecdsa"
	"testing"

	"BatchLedger/internal/auth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a secp256k1 test key and its address.
type Key struct {
	Priv    *ecdsa.PrivateKey
	Address common.Address
}

// KeyFromSeed derives a deterministic key so tests and golden data stay stable.
func KeyFromSeed(t testing.TB, seed string) Key {
	t.Helper()
	priv, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed)))
	if err != nil {
		t.Fatalf("derive key %q: %v", seed, err)
	}
	return Key{Priv: priv, Address: crypto.PubkeyToAddress(priv.PublicKey)}
}

// Sign signs a digest the way wallets do, with V in {27, 28}.
func (k Key) Sign(t testing.TB, digest common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), k.Priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

// TestDomain is the EIP-712 domain used across tests.
func TestDomain() auth.Domain {
	return auth.Domain{
		Name:              "BatchLedger",
		Version:           "1",
		ChainID:           31337,
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

// SignRegistration produces both halves of the signer handshake.
func SignRegistration(t testing.TB, d auth.Domain, account, signer Key, message string, nonce uint64) (auth.RegistrationRequest, auth.SignerConsent) {
	t.Helper()

	accountDigest, err := d.RegisterDigest(signer.Address, message, nonce)
	if err != nil {
		t.Fatalf("register digest: %v", err)
	}
	signerDigest, err := d.SignKeyDigest(account.Address)
	if err != nil {
		t.Fatalf("sign key digest: %v", err)
	}

	req := auth.RegistrationRequest{
		Account:    account.Address,
		Signer:     signer.Address,
		Message:    message,
		Nonce:      nonce,
		AccountSig: account.Sign(t, accountDigest),
	}
	consent := auth.SignerConsent{
		Signer:    signer.Address,
		Account:   account.Address,
		SignerSig: signer.Sign(t, signerDigest),
	}
	return req, consent
}
