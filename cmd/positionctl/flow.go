package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"positionkeeper/internal/assets"
	"positionkeeper/internal/position"
)

type flowOptions struct {
	autoConfirm bool
	retries     int
	// adjust runs once the preview is ready, before any approval.
	adjust func(ctx context.Context, c *position.Coordinator) error
}

func addFlowFlags(cmd *cobra.Command) {
	cmd.Flags().String("private-key", "", "hex private key of the sending account")
	cmd.Flags().Bool("yes", false, "send transactions without confirmation")
	cmd.Flags().Int("retries", 0, "automatic retries of a recoverable failure")
	cmd.Flags().Duration("receipt-poll", 0, "interval between receipt lookups")
}

func flowOptionsFrom(cmd *cobra.Command) flowOptions {
	yes, _ := cmd.Flags().GetBool("yes")
	retries, _ := cmd.Flags().GetInt("retries")
	return flowOptions{autoConfirm: yes, retries: retries}
}

func newCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <position-id>",
		Short: "Close a position, repaying the debt the liquidity does not cover",
		Args:  cobra.ExactArgs(1),
		RunE:  runClose,
	}
	addFlowFlags(cmd)
	cmd.Flags().String("extra", "", "extra borrow-asset amount to repay, defaults to the recommended minimum")
	return cmd
}

func runClose(cmd *cobra.Command, args []string) error {
	id, err := parsePositionID(args[0])
	if err != nil {
		return err
	}
	extra, _ := cmd.Flags().GetString("extra")

	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(ctx); err != nil {
		return err
	}

	params := position.CloseParams{PositionID: id, TotalDebtUSD: a.totalDebtUSD(ctx, id)}
	opts := flowOptionsFrom(cmd)
	if extra != "" {
		opts.adjust = func(ctx context.Context, c *position.Coordinator) error {
			amount, err := assets.ParseAmount(extra, c.Snapshot().SpendMeta.Decimals)
			if err != nil {
				return err
			}
			return c.SetExtraAmount(ctx, amount)
		}
	}
	return a.runFlow(ctx, params, opts)
}

// totalDebtUSD prices the position's debt through the lens. It is display
// only, so a failed read is logged and skipped.
func (a *app) totalDebtUSD(ctx context.Context, id *big.Int) *big.Rat {
	if a.cfg.Lens == "" {
		return nil
	}
	results, err := a.protocol.PositionViews(ctx, []*big.Int{id})
	if err != nil || len(results) != 1 || results[0].Err != nil {
		if err == nil && len(results) == 1 {
			err = results[0].Err
		}
		a.logger.Warn("position view unavailable", zap.String("id", id.String()), zap.Error(err))
		return nil
	}
	debt := results[0].View.TotalDebtBase
	if debt == nil {
		return nil
	}
	return new(big.Rat).SetFrac(debt, new(big.Int).Exp(big.NewInt(10), big.NewInt(baseCurrencyDecimals), nil))
}

func newOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a position by supplying collateral and borrowing against it",
		Args:  cobra.NoArgs,
		RunE:  runOpen,
	}
	addFlowFlags(cmd)
	cmd.Flags().String("supply-asset", "", "collateral asset address")
	cmd.Flags().String("supply-amount", "", "collateral amount in asset units")
	cmd.Flags().String("borrow-asset", "", "borrowed asset address")
	cmd.Flags().String("target-hf", "1.5", "target health factor")
	return cmd
}

func runOpen(cmd *cobra.Command, _ []string) error {
	supplyText, _ := cmd.Flags().GetString("supply-asset")
	borrowText, _ := cmd.Flags().GetString("borrow-asset")
	amountText, _ := cmd.Flags().GetString("supply-amount")
	hfText, _ := cmd.Flags().GetString("target-hf")

	supply, err := parseAddress("supply-asset", supplyText)
	if err != nil {
		return err
	}
	borrow, err := parseAddress("borrow-asset", borrowText)
	if err != nil {
		return err
	}
	targetHF, err := assets.ParseAmount(hfText, healthFactorDecimals)
	if err != nil {
		return fmt.Errorf("target-hf: %w", err)
	}

	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(ctx); err != nil {
		return err
	}

	meta := a.assets.Lookup(ctx, supply)
	amount, err := assets.ParseAmount(amountText, meta.Decimals)
	if err != nil {
		return fmt.Errorf("supply-amount: %w", err)
	}

	return a.runFlow(ctx, position.OpenParams{
		SupplyAsset:  supply,
		SupplyAmount: amount,
		BorrowAsset:  borrow,
		TargetHF:     targetHF,
	}, flowOptionsFrom(cmd))
}

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect <position-id>",
		Short: "Collect the accrued liquidity fees of a position",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollect,
	}
	addFlowFlags(cmd)
	return cmd
}

func runCollect(cmd *cobra.Command, args []string) error {
	id, err := parsePositionID(args[0])
	if err != nil {
		return err
	}

	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(ctx); err != nil {
		return err
	}
	return a.runFlow(ctx, position.CollectParams{PositionID: id}, flowOptionsFrom(cmd))
}

// runFlow drives a coordinator from preview to completion. Interrupting
// dismisses the flow; a transaction already handed to the node stays sent.
func (a *app) runFlow(ctx context.Context, params position.Params, opts flowOptions) error {
	signer, err := a.signer(opts.autoConfirm)
	if err != nil {
		return err
	}

	deps := position.Deps{
		Reader: a.protocol,
		Writer: a.chain,
		Signer: signer,
		Assets: a.assets,
		Router: a.protocol.Addresses().Router,
		Retry:  a.retry,
		Logger: a.logger,
	}
	decoder, err := a.hookDecoder()
	if err != nil {
		return err
	}
	if decoder != nil {
		log, err := a.eventLog(ctx)
		if err != nil {
			return err
		}
		deps.Decoder = decoder
		deps.Events = log
	}

	c, err := position.New(deps, params)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go printPhases(os.Stderr, c.Subscribe(), done)
	go func() {
		<-ctx.Done()
		c.Dismiss()
	}()

	opCtx := context.WithoutCancel(ctx)
	err = c.Start(opCtx)
	if err == nil && opts.adjust != nil {
		if err = opts.adjust(opCtx, c); err == nil {
			printPreview(os.Stdout, c.Snapshot())
		}
	} else if err == nil {
		printPreview(os.Stdout, c.Snapshot())
	}

	retries := opts.retries
	for {
		var failure *position.Failure
		if err != nil && !errors.As(err, &failure) {
			c.Dismiss()
			<-done
			if errors.Is(err, position.ErrDismissed) {
				return fmt.Errorf("interrupted: %w", err)
			}
			return err
		}

		snap := c.Snapshot()
		switch snap.Phase {
		case position.PhaseAwaitingApproval:
			err = c.Approve(opCtx)
		case position.PhaseReadyToExecute:
			err = c.Execute(opCtx)
		case position.PhaseCompleted:
			<-done
			printResult(os.Stdout, snap)
			return nil
		case position.PhaseFailed:
			if snap.Failure != nil && snap.Failure.Recoverable && retries > 0 {
				retries--
				err = c.Retry(opCtx)
				continue
			}
			c.Dismiss()
			<-done
			return snap.Failure
		default:
			c.Dismiss()
			<-done
			return fmt.Errorf("flow stopped in phase %s", snap.Phase)
		}
	}
}

func printPhases(out io.Writer, changes <-chan position.PhaseChange, done chan<- struct{}) {
	defer close(done)
	for change := range changes {
		line := fmt.Sprintf("%s -> %s", change.From, change.To)
		if failure := change.Snapshot.Failure; failure != nil && change.To == position.PhaseFailed {
			switch {
			case failure.Degraded:
				line += " (rate limited, try again shortly): " + failure.Message
			case failure.Recoverable:
				line += " (recoverable): " + failure.Message
			default:
				line += ": " + failure.Message
			}
		}
		fmt.Fprintln(out, line)
	}
}

func printPreview(out io.Writer, snap position.Snapshot) {
	meta := snap.SpendMeta
	switch {
	case snap.Close != nil:
		p := snap.Close
		fmt.Fprintf(out, "close position #%s\n", p.PositionID)
		fmt.Fprintf(out, "  total debt          %s %s\n", assets.FormatAmount(p.TotalDebt, meta.Decimals), meta.Symbol)
		fmt.Fprintf(out, "  repaid from LP      %s %s", assets.FormatAmount(p.LPBorrowAmount, meta.Decimals), meta.Symbol)
		if snap.LPBorrowUSD != nil {
			fmt.Fprintf(out, " (~$%s)", snap.LPBorrowUSD.FloatString(2))
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  extra range         %s .. %s %s\n",
			assets.FormatAmount(p.RecommendedMinimum, meta.Decimals),
			assets.FormatAmount(p.TheoreticalMaximum, meta.Decimals), meta.Symbol)
	case snap.Open != nil:
		p := snap.Open
		fmt.Fprintln(out, "open position")
		fmt.Fprintf(out, "  projected health    %s\n", assets.FormatAmount(p.ProjectedHF, healthFactorDecimals))
		fmt.Fprintf(out, "  ltv                 %s%% -> %s%%\n",
			assets.FormatAmount(p.LTVBefore, 2), assets.FormatAmount(p.LTVAfter, 2))
		fmt.Fprintf(out, "  borrow              %s\n", p.FinalBorrowAmount)
	case snap.Collect != nil:
		p := snap.Collect
		fmt.Fprintf(out, "collect fees of position #%s\n", p.PositionID)
		fmt.Fprintf(out, "  amount0             %s\n", p.Amount0)
		fmt.Fprintf(out, "  amount1             %s\n", p.Amount1)
	}
	if snap.AmountToSpend != nil && snap.AmountToSpend.Sign() > 0 {
		fmt.Fprintf(out, "  spend               %s %s\n", assets.FormatAmount(snap.AmountToSpend, meta.Decimals), meta.Symbol)
		if snap.InsufficientBalance {
			fmt.Fprintf(out, "  balance %s %s is insufficient\n", assets.FormatAmount(snap.Balance, meta.Decimals), meta.Symbol)
		}
	}
}

func printResult(out io.Writer, snap position.Snapshot) {
	if snap.ApprovalTx != (common.Hash{}) {
		fmt.Fprintf(out, "approval tx  %s\n", snap.ApprovalTx.Hex())
	}
	fmt.Fprintf(out, "action tx    %s\n", snap.ActionTx.Hex())
	for _, ev := range snap.Events {
		fmt.Fprintf(out, "hook event   pool %s tick %d sqrtPriceX96 %s\n", ev.PoolID, ev.Tick, ev.SqrtPriceX96)
	}
}

func parsePositionID(text string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(text, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid position id: %s", text)
	}
	return id, nil
}
