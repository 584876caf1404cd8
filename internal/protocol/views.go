package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"positionkeeper/internal/model"
)

type positionCore struct {
	Owner       common.Address
	Vault       common.Address
	SupplyAsset common.Address
	BorrowAsset common.Address
	IsOpen      bool
}

type positionViewTuple struct {
	Core                        positionCore
	UniToken0                   common.Address
	UniToken1                   common.Address
	Liquidity                   *big.Int
	Amount0Now                  *big.Int
	Amount1Now                  *big.Int
	TickLower                   *big.Int
	TickUpper                   *big.Int
	CurrentTick                 *big.Int
	SqrtPriceX96                *big.Int
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowBase         *big.Int
	CurrentLiquidationThreshold *big.Int
	Ltv                         *big.Int
	HealthFactor                *big.Int
}

// ViewResult is the outcome of reading one position view.
type ViewResult struct {
	View model.PositionView
	Err  error
}

// PositionViews reads getStrategyPositionView for every id in one batch.
// Results keep the order of ids.
func (c *Client) PositionViews(ctx context.Context, ids []*big.Int) ([]ViewResult, error) {
	lensABI, err := LensABI()
	if err != nil {
		return nil, fmt.Errorf("parse lens abi: %w", err)
	}
	reqs := make([]request, len(ids))
	for i, id := range ids {
		reqs[i] = request{
			to:     c.addrs.Lens,
			parsed: lensABI,
			method: "getStrategyPositionView",
			args:   []interface{}{id},
		}
	}
	out, err := c.read(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("getStrategyPositionView: %w", err)
	}

	results := make([]ViewResult, len(ids))
	for i, res := range out {
		if res.err != nil {
			results[i] = ViewResult{Err: res.err}
			continue
		}
		view, err := toPositionView(ids[i], res.values)
		results[i] = ViewResult{View: view, Err: err}
	}
	return results, nil
}

func toPositionView(id *big.Int, values []interface{}) (model.PositionView, error) {
	if len(values) != 1 {
		return model.PositionView{}, fmt.Errorf("position view: expected 1 value, got %d", len(values))
	}
	raw := *abi.ConvertType(values[0], new(positionViewTuple)).(*positionViewTuple)

	ticks := make([]int32, 3)
	for i, v := range []*big.Int{raw.TickLower, raw.TickUpper, raw.CurrentTick} {
		tick, err := int24FromBig(v)
		if err != nil {
			return model.PositionView{}, fmt.Errorf("position view: %w", err)
		}
		ticks[i] = tick
	}

	return model.PositionView{
		PositionID:  new(big.Int).Set(id),
		Owner:       raw.Core.Owner.Hex(),
		Vault:       raw.Core.Vault.Hex(),
		SupplyAsset: raw.Core.SupplyAsset.Hex(),
		BorrowAsset: raw.Core.BorrowAsset.Hex(),
		IsOpen:      raw.Core.IsOpen,

		UniToken0:    raw.UniToken0.Hex(),
		UniToken1:    raw.UniToken1.Hex(),
		Liquidity:    raw.Liquidity,
		Amount0Now:   raw.Amount0Now,
		Amount1Now:   raw.Amount1Now,
		TickLower:    ticks[0],
		TickUpper:    ticks[1],
		CurrentTick:  ticks[2],
		SqrtPriceX96: raw.SqrtPriceX96,

		TotalCollateralBase:         raw.TotalCollateralBase,
		TotalDebtBase:               raw.TotalDebtBase,
		AvailableBorrowBase:         raw.AvailableBorrowBase,
		CurrentLiquidationThreshold: raw.CurrentLiquidationThreshold,
		LTV:                         raw.Ltv,
		HealthFactor:                raw.HealthFactor,
	}, nil
}

// SelectMostRecent picks the position to highlight from views ordered oldest
// first: the newest open position, otherwise the newest readable one.
func SelectMostRecent(results []ViewResult) (model.PositionView, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Err == nil && results[i].View.IsOpen {
			return results[i].View, true
		}
	}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Err == nil {
			return results[i].View, true
		}
	}
	return model.PositionView{}, false
}

// AssetPrices reads getAssetPrice for every asset in one batch. Prices are in
// the oracle base currency with 8 decimals.
func (c *Client) AssetPrices(ctx context.Context, assets []common.Address) ([]*big.Int, error) {
	lensABI, err := LensABI()
	if err != nil {
		return nil, fmt.Errorf("parse lens abi: %w", err)
	}
	reqs := make([]request, len(assets))
	for i, asset := range assets {
		reqs[i] = request{
			to:     c.addrs.Lens,
			parsed: lensABI,
			method: "getAssetPrice",
			args:   []interface{}{asset},
		}
	}
	out, err := c.read(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("getAssetPrice: %w", err)
	}

	prices := make([]*big.Int, len(assets))
	for i, res := range out {
		if res.err != nil {
			return nil, fmt.Errorf("price of %s: %w", assets[i].Hex(), res.err)
		}
		if prices[i], err = asBigInt(res.values[0]); err != nil {
			return nil, fmt.Errorf("price of %s: %w", assets[i].Hex(), err)
		}
	}
	return prices, nil
}
