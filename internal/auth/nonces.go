package auth

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNonceUsed = errors.New("nonce already used")

type nonceKey struct {
	Account common.Address
	Nonce   uint64
}

// NonceSet records consumed (account, nonce) pairs. Entries are never removed.
type NonceSet struct {
	name string
	used map[nonceKey]struct{}
	undo UndoRecorder
}

func NewNonceSet(name string) *NonceSet {
	return &NonceSet{
		name: name,
		used: make(map[nonceKey]struct{}),
	}
}

func (n *NonceSet) SetRecorder(r UndoRecorder) {
	n.undo = r
}

func (n *NonceSet) IsUsed(account common.Address, nonce uint64) bool {
	_, ok := n.used[nonceKey{account, nonce}]
	return ok
}

// Use marks the nonce consumed, failing if it already was.
func (n *NonceSet) Use(account common.Address, nonce uint64) error {
	key := nonceKey{account, nonce}
	if _, ok := n.used[key]; ok {
		return fmt.Errorf("%w: %s nonce %d for %s", ErrNonceUsed, n.name, nonce, account.Hex())
	}
	n.used[key] = struct{}{}
	if n.undo != nil {
		n.undo.Record(func() { delete(n.used, key) })
	}
	return nil
}

// NonceEntry is the serialized form of one consumed nonce.
type NonceEntry struct {
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
}

// Entries returns all consumed nonces in deterministic order (for snapshots).
func (n *NonceSet) Entries() []NonceEntry {
	out := make([]NonceEntry, 0, len(n.used))
	for k := range n.used {
		out = append(out, NonceEntry{Account: k.Account, Nonce: k.Nonce})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Account.Cmp(out[j].Account); c != 0 {
			return c < 0
		}
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

// Restore replaces the set's contents (used for snapshot restore).
func (n *NonceSet) Restore(entries []NonceEntry) {
	n.used = make(map[nonceKey]struct{}, len(entries))
	for _, e := range entries {
		n.used[nonceKey{e.Account, e.Nonce}] = struct{}{}
	}
}
