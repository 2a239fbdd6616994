package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"BatchLedger/internal/ledger"
)

const GenesisHashSeed = "BatchLedger:genesis:v1"

// StateHasher chains a hash over every committed command so replicas can
// compare state without exchanging it.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || tx_counter || state_digest)
func (h *StateHasher) ComputeHash(txCounter uint32, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], txCounter)
	hasher.Write(ctr[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// StateDigest serializes the touched accounts and their balances in account
// path order: len(path):2 | path | len(balance):1 | sign:1 | magnitude.
func StateDigest(tracker *ledger.BalanceTracker, touched map[ledger.AccountKey]struct{}) []byte {
	accounts := make([]ledger.AccountKey, 0, len(touched))
	for key := range touched {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = binary.BigEndian.AppendUint16(digest, uint16(len(path)))
		digest = append(digest, path...)

		balance := tracker.GetBalance(key)
		mag := balance.Bytes()
		digest = append(digest, byte(len(mag)), byte(balance.Sign()+1))
		digest = append(digest, mag...)
	}
	return digest
}
