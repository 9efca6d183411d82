package dsc

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type assetEntry struct {
	asset     common.Address
	feedID    string
	decimals  uint8
	precision *uint256.Int
	token     Token
}

// AssetRegistry is the ordered, immutable set of supported collateral assets.
type AssetRegistry struct {
	entries []assetEntry
	index   map[common.Address]int
}

// NewAssetRegistry validates and freezes the supplied asset list. Order is kept
// and drives every per-account summation.
func NewAssetRegistry(assets []AssetConfig) (*AssetRegistry, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: no collateral assets", ErrInvalidRegistry)
	}
	reg := &AssetRegistry{
		entries: make([]assetEntry, 0, len(assets)),
		index:   make(map[common.Address]int, len(assets)),
	}
	for _, cfg := range assets {
		if cfg.Asset == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero asset address", ErrInvalidRegistry)
		}
		feed := strings.TrimSpace(cfg.FeedID)
		if feed == "" {
			return nil, fmt.Errorf("%w: asset %s has no price feed", ErrInvalidRegistry, cfg.Asset.Hex())
		}
		if cfg.Token == nil {
			return nil, fmt.Errorf("%w: asset %s has no token capability", ErrInvalidRegistry, cfg.Asset.Hex())
		}
		if _, dup := reg.index[cfg.Asset]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrInvalidRegistry, cfg.Asset.Hex())
		}
		decimals := cfg.Decimals
		if decimals == 0 {
			decimals = PrecisionDecimals
		}
		if decimals > 36 {
			return nil, fmt.Errorf("%w: asset %s decimals %d out of range", ErrInvalidRegistry, cfg.Asset.Hex(), decimals)
		}
		reg.index[cfg.Asset] = len(reg.entries)
		reg.entries = append(reg.entries, assetEntry{
			asset:     cfg.Asset,
			feedID:    feed,
			decimals:  decimals,
			precision: pow10(decimals),
			token:     cfg.Token,
		})
	}
	return reg, nil
}

func (r *AssetRegistry) lookup(asset common.Address) (assetEntry, error) {
	if r == nil {
		return assetEntry{}, ErrNilState
	}
	idx, ok := r.index[asset]
	if !ok {
		return assetEntry{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	return r.entries[idx], nil
}

// Supported reports whether the asset was registered.
func (r *AssetRegistry) Supported(asset common.Address) bool {
	if r == nil {
		return false
	}
	_, ok := r.index[asset]
	return ok
}

// Assets lists the registered assets in registration order.
func (r *AssetRegistry) Assets() []common.Address {
	if r == nil {
		return nil
	}
	out := make([]common.Address, len(r.entries))
	for i, entry := range r.entries {
		out[i] = entry.asset
	}
	return out
}

// FeedID returns the price feed bound to the asset.
func (r *AssetRegistry) FeedID(asset common.Address) (string, bool) {
	entry, err := r.lookup(asset)
	if err != nil {
		return "", false
	}
	return entry.feedID, true
}

// Decimals returns the asset's native decimals.
func (r *AssetRegistry) Decimals(asset common.Address) (uint8, bool) {
	entry, err := r.lookup(asset)
	if err != nil {
		return 0, false
	}
	return entry.decimals, true
}
