package model

import "math/big"

// TokenMeta captures display metadata of an asset.
type TokenMeta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
}

// ClosePreview is the router's previewClosePosition tuple. All amounts are in
// base units of the borrow asset unless noted.
type ClosePreview struct {
	PositionID         *big.Int
	Vault              string
	SupplyAsset        string
	BorrowAsset        string
	TotalDebt          *big.Int
	LPBorrowAmount     *big.Int
	RecommendedMinimum *big.Int
	TheoreticalMaximum *big.Int
	Amount0FromLP      *big.Int
	Amount1FromLP      *big.Int
}

// DebtCovered reports whether withdrawing the liquidity alone repays the debt.
func (p ClosePreview) DebtCovered() bool {
	if p.TotalDebt == nil || p.LPBorrowAmount == nil {
		return false
	}
	return p.LPBorrowAmount.Cmp(p.TotalDebt) >= 0
}

// OpenPreview is the router's previewOpenPosition tuple. Health factor and
// loan-to-value figures are 1e18 and 1e4 scaled respectively.
type OpenPreview struct {
	SupplyAsset         string
	BorrowAsset         string
	SupplyAmount        *big.Int
	TargetHealthFactor  *big.Int
	ProjectedHF         *big.Int
	LTVBefore           *big.Int
	LTVAfter            *big.Int
	FinalBorrowAmount   *big.Int
	MaxBorrowByLTV      *big.Int
	MaxBorrowByTargetHF *big.Int
}

// CollectPreview holds the simulated fee amounts of collectFees.
type CollectPreview struct {
	PositionID *big.Int
	Amount0    *big.Int
	Amount1    *big.Int
}

// PositionView is the lens' full state of a strategy position.
type PositionView struct {
	PositionID  *big.Int
	Owner       string
	Vault       string
	SupplyAsset string
	BorrowAsset string
	IsOpen      bool

	UniToken0    string
	UniToken1    string
	Liquidity    *big.Int
	Amount0Now   *big.Int
	Amount1Now   *big.Int
	TickLower    int32
	TickUpper    int32
	CurrentTick  int32
	SqrtPriceX96 *big.Int

	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowBase         *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
}
