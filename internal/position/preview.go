package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"positionkeeper/internal/assets"
	"positionkeeper/internal/model"
	"positionkeeper/internal/protocol"
	"positionkeeper/internal/retry"
	"positionkeeper/internal/wallet"
)

// spendPlan is what a preview decides the action will pull from the account.
type spendPlan struct {
	asset    common.Address
	amount   *big.Int
	approval *big.Int
}

func (c *Coordinator) preview(ctx context.Context) error {
	ctx, cancel := c.watch(ctx)
	defer cancel()

	switch p := c.params.(type) {
	case CloseParams:
		return c.previewClose(ctx, p)
	case OpenParams:
		return c.previewOpen(ctx, p)
	case CollectParams:
		return c.previewCollect(ctx, p)
	default:
		return c.failWith(&Failure{Kind: KindUnknown, Message: fmt.Sprintf("unsupported flow %T", c.params)})
	}
}

func (c *Coordinator) previewClose(ctx context.Context, p CloseParams) error {
	preview, err := c.deps.Reader.PreviewClose(ctx, p.PositionID)
	if err != nil {
		return c.fail(err, PhasePreviewing)
	}
	if preview.Vault == "" || common.HexToAddress(preview.Vault) == (common.Address{}) {
		return c.failWith(&Failure{
			Kind:    KindPositionNotFound,
			Message: fmt.Sprintf("position #%s does not exist", p.PositionID),
		})
	}
	if preview.DebtCovered() {
		preview.RecommendedMinimum = new(big.Int)
	}
	if preview.RecommendedMinimum.Cmp(preview.TheoreticalMaximum) > 0 {
		return c.failWith(&Failure{
			Kind: KindSimulationRevert,
			Message: fmt.Sprintf("preview range is inverted: minimum %s above maximum %s",
				preview.RecommendedMinimum, preview.TheoreticalMaximum),
		})
	}

	extra := p.ExtraAmount
	if extra == nil {
		extra = preview.RecommendedMinimum
	}
	if extra.Cmp(preview.TheoreticalMaximum) > 0 {
		return c.failWith(&Failure{
			Kind: KindInvalidAmount,
			Message: fmt.Sprintf("extra amount %s exceeds the maximum %s",
				extra, preview.TheoreticalMaximum),
		})
	}

	var usd *big.Rat
	if p.TotalDebtUSD != nil {
		usd = assets.ScaleRatio(preview.LPBorrowAmount, p.TotalDebtUSD, preview.TotalDebt)
	}

	c.mutate(func(s *Snapshot) {
		s.Close = &preview
		s.LPBorrowUSD = usd
	})
	return c.decide(ctx, spendPlan{
		asset:    common.HexToAddress(preview.BorrowAsset),
		amount:   new(big.Int).Set(extra),
		approval: new(big.Int).Set(preview.TheoreticalMaximum),
	})
}

func (c *Coordinator) previewOpen(ctx context.Context, p OpenParams) error {
	preview, err := c.deps.Reader.PreviewOpen(ctx, protocol.OpenRequest{
		SupplyAsset:  p.SupplyAsset,
		SupplyAmount: p.SupplyAmount,
		BorrowAsset:  p.BorrowAsset,
		TargetHF:     p.TargetHF,
	})
	if err != nil {
		return c.fail(err, PhasePreviewing)
	}

	c.mutate(func(s *Snapshot) { s.Open = &preview })
	return c.decide(ctx, spendPlan{
		asset:    p.SupplyAsset,
		amount:   new(big.Int).Set(p.SupplyAmount),
		approval: new(big.Int).Set(p.SupplyAmount),
	})
}

func (c *Coordinator) previewCollect(ctx context.Context, p CollectParams) error {
	preview, err := c.deps.Reader.SimulateCollect(ctx, c.deps.Signer.Account(), p.PositionID)
	if err != nil {
		return c.fail(err, PhasePreviewing)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDismissed() {
		return ErrDismissed
	}
	c.state.Collect = &preview
	c.setPhaseLocked(PhaseReadyToExecute)
	return nil
}

// decide reads the live allowance and balance for plan, unless nothing is
// spent, and moves to the matching decision phase.
func (c *Coordinator) decide(ctx context.Context, plan spendPlan) error {
	meta := model.TokenMeta{Address: plan.asset.Hex(), Decimals: 18, Symbol: assets.ShortAddress(plan.asset)}
	if c.deps.Assets != nil {
		meta = c.deps.Assets.LookupHex(ctx, plan.asset.Hex())
	}

	var spend *protocol.SpendState
	if plan.amount.Sign() > 0 {
		state, err := c.deps.Reader.ReadSpendState(ctx, plan.asset, c.deps.Signer.Account(), c.deps.Router)
		if err != nil {
			return c.fail(err, PhasePreviewing)
		}
		spend = &state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDismissed() {
		return ErrDismissed
	}
	c.state.SpendAsset = plan.asset
	c.state.SpendMeta = meta
	c.state.AmountToSpend = plan.amount
	c.state.ApprovalAmount = plan.approval
	if spend != nil {
		c.state.Allowance = spend.Allowance
		c.state.Balance = spend.Balance
	}
	c.refreshBalanceLocked()

	next := c.decisionLocked()
	c.logger.Debug("spend decision",
		zap.String("asset", plan.asset.Hex()),
		zap.String("amount", plan.amount.String()),
		zap.String("approval", plan.approval.String()),
		zap.Bool("insufficient_balance", c.state.InsufficientBalance),
		zap.String("next", string(next)),
	)
	c.setPhaseLocked(next)
	return nil
}

// classify turns an operation error into a displayable failure.
func classify(err error, resume Phase) *Failure {
	failure := &Failure{Kind: KindUnknown, Message: err.Error(), Recoverable: true, Err: err, resume: resume}

	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, wallet.ErrUserRejected):
		failure.Kind = KindUserRejected
		failure.Message = "request rejected in wallet"
	case errors.Is(err, ErrTransactionReverted):
		failure.Kind = KindTransactionReverted
	case errors.As(err, &exhausted):
		failure.Kind = KindTransient
		failure.Degraded = exhausted.RateLimited
		if exhausted.RateLimited {
			failure.Message = "the RPC endpoint is rate limiting requests, try again shortly: " + err.Error()
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		failure.Kind = KindCanceled
	case errors.Is(err, protocol.ErrReverted):
		failure.Kind = KindSimulationRevert
		failure.Recoverable = false
	case isRevert(err):
		// A call rejected before broadcast, typically by gas estimation.
		failure.Kind = KindTransactionReverted
	}
	return failure
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
