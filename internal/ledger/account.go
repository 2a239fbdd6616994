package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeSpot AccountSubType = iota
	SubTypePositionSize
	SubTypePositionQuote

	// System sub-types
	SubTypeTradingFees
	SubTypeSequencerFees
	SubTypeInsuranceFund

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalClaims
	SubTypeExternalSwaps
	SubTypeExternalInsurance
)

var subTypeNames = map[AccountSubType]string{
	SubTypeSpot:                "spot",
	SubTypePositionSize:        "position_size",
	SubTypePositionQuote:       "position_quote",
	SubTypeTradingFees:         "trading_fees",
	SubTypeSequencerFees:       "sequencer_fees",
	SubTypeInsuranceFund:       "insurance_fund",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
	SubTypeExternalClaims:      "claims",
	SubTypeExternalSwaps:       "swaps",
	SubTypeExternalInsurance:   "insurance",
}

// AccountKey is the in-memory key for balance tracking.
// Asset is zero for position size accounts, which are denominated in product units.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address
	SubType AccountSubType
	Asset   common.Address
	Product uint8
}

// Unit identifies what an account is denominated in. Value is conserved per unit.
type Unit struct {
	Asset   common.Address
	Product uint8
	IsSize  bool
}

func (u Unit) String() string {
	if u.IsSize {
		return fmt.Sprintf("size:p%d", u.Product)
	}
	return u.Asset.Hex()
}

// SpotAccount is an account's free balance in an asset.
func SpotAccount(owner, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, SubType: SubTypeSpot, Asset: asset}
}

// PositionSizeAccount holds the signed position size (long > 0) for a product.
func PositionSizeAccount(owner common.Address, product uint8) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, SubType: SubTypePositionSize, Product: product}
}

// PositionQuoteAccount holds the signed quote balance of a position, in the
// product's settlement asset.
func PositionQuoteAccount(owner common.Address, product uint8, settlement common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypePositionQuote,
		Asset:   settlement,
		Product: product,
	}
}

// NewSystemAccountKey creates a key for system pools (fees, insurance)
func NewSystemAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType, Asset: asset}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType, Asset: asset}
}

// Unit returns the denomination of the account.
func (k AccountKey) Unit() Unit {
	if k.SubType == SubTypePositionSize {
		return Unit{Product: k.Product, IsSize: true}
	}
	return Unit{Asset: k.Asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	name := subTypeNames[k.SubType]
	if name == "" {
		name = "unknown"
	}

	switch k.Scope {
	case AccountScopeUser:
		switch k.SubType {
		case SubTypePositionSize:
			return fmt.Sprintf("user:%s:%s:p%d", k.Owner.Hex(), name, k.Product)
		case SubTypePositionQuote:
			return fmt.Sprintf("user:%s:%s:p%d:%s", k.Owner.Hex(), name, k.Product, k.Asset.Hex())
		default:
			return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), name, k.Asset.Hex())
		}
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", name, k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", name, k.Asset.Hex())
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring snapshots.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	switch parts[0] {
	case "user":
		key.Scope = AccountScopeUser
	case "system":
		key.Scope = AccountScopeSystem
	case "external":
		key.Scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
	}

	if key.Scope != AccountScopeUser {
		subType, ok := lookupSubType(parts[1])
		if !ok || len(parts) != 3 || !common.IsHexAddress(parts[2]) {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		key.SubType = subType
		key.Asset = common.HexToAddress(parts[2])
		return key, nil
	}

	if len(parts) < 4 || !common.IsHexAddress(parts[1]) {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	key.Owner = common.HexToAddress(parts[1])
	subType, ok := lookupSubType(parts[2])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
	}
	key.SubType = subType

	switch subType {
	case SubTypePositionSize, SubTypePositionQuote:
		product, err := strconv.ParseUint(strings.TrimPrefix(parts[3], "p"), 10, 8)
		if err != nil {
			return AccountKey{}, fmt.Errorf("bad product in account path %q: %w", path, err)
		}
		key.Product = uint8(product)
		if subType == SubTypePositionQuote {
			if len(parts) != 5 || !common.IsHexAddress(parts[4]) {
				return AccountKey{}, fmt.Errorf("malformed account path %q", path)
			}
			key.Asset = common.HexToAddress(parts[4])
		}
	default:
		if !common.IsHexAddress(parts[3]) {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		key.Asset = common.HexToAddress(parts[3])
	}
	return key, nil
}

func lookupSubType(name string) (AccountSubType, bool) {
	for st, n := range subTypeNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}
