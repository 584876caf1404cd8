// Package assets resolves display metadata for the assets a position moves.
package assets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"positionkeeper/internal/model"
)

const defaultDecimals = 18

// MetaFetcher reads token metadata from chain.
type MetaFetcher interface {
	TokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error)
}

// Registry is the static asset lookup table with an on-chain fallback.
type Registry struct {
	static  map[common.Address]model.TokenMeta
	fetcher MetaFetcher
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[common.Address]model.TokenMeta
}

// NewRegistry builds a registry from known entries. fetcher may be nil, in
// which case unknown assets resolve to their shortened address.
func NewRegistry(known []model.TokenMeta, fetcher MetaFetcher, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	static := make(map[common.Address]model.TokenMeta, len(known))
	for _, meta := range known {
		if !common.IsHexAddress(meta.Address) {
			return nil, fmt.Errorf("invalid asset address: %s", meta.Address)
		}
		addr := common.HexToAddress(meta.Address)
		meta.Address = addr.Hex()
		static[addr] = meta
	}
	return &Registry{
		static:  static,
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[common.Address]model.TokenMeta),
	}, nil
}

// Lookup returns metadata for asset. It never fails: an asset that cannot be
// resolved is labelled with its shortened address and 18 decimals.
func (r *Registry) Lookup(ctx context.Context, asset common.Address) model.TokenMeta {
	if meta, ok := r.static[asset]; ok {
		return meta
	}

	r.mu.RLock()
	meta, ok := r.cache[asset]
	r.mu.RUnlock()
	if ok {
		return meta
	}

	meta = model.TokenMeta{Address: asset.Hex(), Decimals: defaultDecimals}
	if r.fetcher != nil {
		fetched, err := r.fetcher.TokenMeta(ctx, asset)
		if err != nil {
			r.logger.Warn("token metadata fetch failed", zap.String("token", asset.Hex()), zap.Error(err))
		} else {
			meta = fetched
		}
	}
	if strings.TrimSpace(meta.Symbol) == "" {
		meta.Symbol = ShortAddress(asset)
	}

	r.mu.Lock()
	r.cache[asset] = meta
	r.mu.Unlock()
	return meta
}

// LookupHex is Lookup for a hex encoded address.
func (r *Registry) LookupHex(ctx context.Context, asset string) model.TokenMeta {
	if !common.IsHexAddress(asset) {
		return model.TokenMeta{Address: asset, Decimals: defaultDecimals, Symbol: asset}
	}
	return r.Lookup(ctx, common.HexToAddress(asset))
}

// ShortAddress renders addr as 0x1234...abcd.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
