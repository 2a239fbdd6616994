package auth

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorizedSigner = errors.New("signer not authorized for account")
	ErrHandshakeMismatch  = errors.New("registration and consent do not bind the same pair")
	ErrInvalidSigner      = errors.New("invalid signer address")
	ErrSignerExists       = errors.New("signer already registered")
	ErrSignerNotFound     = errors.New("signer not registered")
	ErrNotAccountOwner    = errors.New("caller is not the account")
)

// UndoRecorder receives inverse operations so a failed batch can roll back.
type UndoRecorder interface {
	Record(undo func())
}

// Oracle answers whether a signer may act for an account. Other modules
// (the isolated-margin engine) consume the registry through it.
type Oracle interface {
	IsSigningWallet(account, signer common.Address) bool
}

// RegistrationRequest is the account's half of the handshake: a signature by
// the account over Register(signer, message, nonce).
type RegistrationRequest struct {
	Account    common.Address `json:"account"`
	Signer     common.Address `json:"signer"`
	Message    string         `json:"message"`
	Nonce      uint64         `json:"nonce"`
	AccountSig []byte         `json:"account_sig"`
}

// SignerConsent is the signer's half: a signature by the signer over
// SignKey(account), proving key possession and consent.
type SignerConsent struct {
	Signer    common.Address `json:"signer"`
	Account   common.Address `json:"account"`
	SignerSig []byte         `json:"signer_sig"`
}

// SignerRegistry stores signer delegations and registration nonces.
// Not thread-safe: owned by the engine.
type SignerRegistry struct {
	domain   Domain
	verifier Verifier
	signers  map[common.Address]map[common.Address]struct{}
	nonces   *NonceSet
	undo     UndoRecorder
}

func NewSignerRegistry(domain Domain, verifier Verifier) *SignerRegistry {
	return &SignerRegistry{
		domain:   domain,
		verifier: verifier,
		signers:  make(map[common.Address]map[common.Address]struct{}),
		nonces:   NewNonceSet("registration"),
	}
}

func (r *SignerRegistry) SetRecorder(rec UndoRecorder) {
	r.undo = rec
	r.nonces.SetRecorder(rec)
}

// Register verifies both halves of the handshake and, only if both hold and
// the nonce is fresh, commits the delegation and consumes the nonce.
func (r *SignerRegistry) Register(req RegistrationRequest, consent SignerConsent) error {
	if req.Account != consent.Account || req.Signer != consent.Signer {
		return ErrHandshakeMismatch
	}
	if req.Signer == (common.Address{}) || req.Signer == req.Account {
		return fmt.Errorf("%w: %s", ErrInvalidSigner, req.Signer.Hex())
	}
	if r.nonces.IsUsed(req.Account, req.Nonce) {
		return fmt.Errorf("%w: registration nonce %d for %s", ErrNonceUsed, req.Nonce, req.Account.Hex())
	}
	if r.isDelegate(req.Account, req.Signer) {
		return fmt.Errorf("%w: %s for %s", ErrSignerExists, req.Signer.Hex(), req.Account.Hex())
	}

	accountDigest, err := r.domain.RegisterDigest(req.Signer, req.Message, req.Nonce)
	if err != nil {
		return err
	}
	if err := Authenticate(r.verifier, accountDigest, req.Account, req.AccountSig); err != nil {
		return fmt.Errorf("account signature: %w", err)
	}

	signerDigest, err := r.domain.SignKeyDigest(consent.Account)
	if err != nil {
		return err
	}
	if err := Authenticate(r.verifier, signerDigest, consent.Signer, consent.SignerSig); err != nil {
		return fmt.Errorf("signer consent: %w", err)
	}

	if err := r.nonces.Use(req.Account, req.Nonce); err != nil {
		return err
	}
	r.add(req.Account, req.Signer)
	return nil
}

// Remove deletes a delegation on the account's own authority. The nonce used
// to register it stays consumed.
func (r *SignerRegistry) Remove(account, signer common.Address) error {
	if !r.isDelegate(account, signer) {
		return fmt.Errorf("%w: %s for %s", ErrSignerNotFound, signer.Hex(), account.Hex())
	}
	delete(r.signers[account], signer)
	if r.undo != nil {
		r.undo.Record(func() { r.signers[account][signer] = struct{}{} })
	}
	return nil
}

func (r *SignerRegistry) add(account, signer common.Address) {
	set, ok := r.signers[account]
	if !ok {
		set = make(map[common.Address]struct{})
		r.signers[account] = set
	}
	set[signer] = struct{}{}
	if r.undo != nil {
		r.undo.Record(func() { delete(set, signer) })
	}
}

func (r *SignerRegistry) isDelegate(account, signer common.Address) bool {
	_, ok := r.signers[account][signer]
	return ok
}

// IsAuthorizedSigner is true for the account itself or a registered delegate.
func (r *SignerRegistry) IsAuthorizedSigner(account, signer common.Address) bool {
	return signer == account || r.isDelegate(account, signer)
}

// IsSigningWallet implements Oracle.
func (r *SignerRegistry) IsSigningWallet(account, signer common.Address) bool {
	return r.IsAuthorizedSigner(account, signer)
}

// RequireAuthorized returns ErrUnauthorizedSigner unless signer may act for account.
func (r *SignerRegistry) RequireAuthorized(account, signer common.Address) error {
	if !r.IsAuthorizedSigner(account, signer) {
		return fmt.Errorf("%w: %s for %s", ErrUnauthorizedSigner, signer.Hex(), account.Hex())
	}
	return nil
}

// --- Snapshot support ---

type Delegation struct {
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
}

// Delegations returns all active delegations in deterministic order.
func (r *SignerRegistry) Delegations() []Delegation {
	var out []Delegation
	for account, set := range r.signers {
		for signer := range set {
			out = append(out, Delegation{Account: account, Signer: signer})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Account.Cmp(out[j].Account); c != 0 {
			return c < 0
		}
		return out[i].Signer.Cmp(out[j].Signer) < 0
	})
	return out
}

func (r *SignerRegistry) Nonces() *NonceSet {
	return r.nonces
}

// Restore replaces delegations and registration nonces (used for snapshot restore).
func (r *SignerRegistry) Restore(delegations []Delegation, nonces []NonceEntry) {
	r.signers = make(map[common.Address]map[common.Address]struct{})
	for _, d := range delegations {
		set, ok := r.signers[d.Account]
		if !ok {
			set = make(map[common.Address]struct{})
			r.signers[d.Account] = set
		}
		set[d.Signer] = struct{}{}
	}
	r.nonces.Restore(nonces)
}
