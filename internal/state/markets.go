package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	fpmath "BatchLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnsupportedAsset = errors.New("unsupported asset")
	ErrUnknownProduct   = errors.New("unknown product")
)

// Asset is a collateral token accepted by the venue.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	// MaxWithdrawFeeRate bounds the withdraw fee as a fraction of the amount (18D).
	MaxWithdrawFeeRate *big.Int
}

// Product is a derivative market settled in a single asset.
type Product struct {
	Index           uint8
	Symbol          string
	SettlementAsset common.Address
}

// MarketRegistry holds supported assets and products. It is configured at
// startup and read-only afterwards.
type MarketRegistry struct {
	assets   map[common.Address]*Asset
	products map[uint8]*Product
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		assets:   make(map[common.Address]*Asset),
		products: make(map[uint8]*Product),
	}
}

// ValidateAsset checks that an asset definition is usable.
func ValidateAsset(a *Asset) error {
	if a.Address == (common.Address{}) {
		return fmt.Errorf("asset %s: zero address", a.Symbol)
	}
	if a.Decimals > fpmath.MaxAssetDecimals {
		return fmt.Errorf("asset %s: decimals %d exceed %d", a.Symbol, a.Decimals, fpmath.MaxAssetDecimals)
	}
	if a.MaxWithdrawFeeRate == nil || a.MaxWithdrawFeeRate.Sign() < 0 || a.MaxWithdrawFeeRate.Cmp(fpmath.One) > 0 {
		return fmt.Errorf("asset %s: max withdraw fee rate must be within [0, 1]", a.Symbol)
	}
	return nil
}

func (r *MarketRegistry) AddAsset(a *Asset) error {
	if err := ValidateAsset(a); err != nil {
		return err
	}
	r.assets[a.Address] = a
	return nil
}

func (r *MarketRegistry) AddProduct(p *Product) error {
	if _, ok := r.assets[p.SettlementAsset]; !ok {
		return fmt.Errorf("product %d (%s): settlement asset %s: %w",
			p.Index, p.Symbol, p.SettlementAsset.Hex(), ErrUnsupportedAsset)
	}
	if _, dup := r.products[p.Index]; dup {
		return fmt.Errorf("product %d registered twice", p.Index)
	}
	r.products[p.Index] = p
	return nil
}

func (r *MarketRegistry) Asset(addr common.Address) (*Asset, error) {
	a, ok := r.assets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, addr.Hex())
	}
	return a, nil
}

func (r *MarketRegistry) Product(index uint8) (*Product, error) {
	p, ok := r.products[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProduct, index)
	}
	return p, nil
}

// Assets returns all supported assets ordered by address, so that iteration
// (fee claims, snapshots) is deterministic.
func (r *MarketRegistry) Assets() []*Asset {
	out := make([]*Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

func (r *MarketRegistry) Products() []*Product {
	out := make([]*Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
