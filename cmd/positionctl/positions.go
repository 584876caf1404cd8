package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"positionkeeper/internal/assets"
	"positionkeeper/internal/model"
	"positionkeeper/internal/protocol"
)

const (
	healthFactorDecimals = 18
	baseCurrencyDecimals = 8
)

func newPositionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List the account's strategy positions",
		RunE:  runPositions,
	}
	cmd.Flags().Int("max-positions", 5, "position slots to read per account")
	return cmd
}

func runPositions(cmd *cobra.Command, _ []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.connect(ctx); err != nil {
		return err
	}
	if a.cfg.Lens == "" {
		return fmt.Errorf("lens address is required")
	}
	account, err := a.account()
	if err != nil {
		return err
	}

	ids, err := a.protocol.UserPositionIDs(ctx, account, a.cfg.MaxPositions)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintf(os.Stdout, "no positions for %s\n", account.Hex())
		return nil
	}

	results, err := a.protocol.PositionViews(ctx, ids)
	if err != nil {
		return err
	}
	selected, hasSelected := protocol.SelectMostRecent(results)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tSTATUS\tSUPPLY\tBORROW\tCOLLATERAL\tDEBT\tHEALTH\tRANGE\tTICK")
	for i, res := range results {
		if res.Err != nil {
			a.logger.Warn("position view unreadable", zap.String("id", ids[i].String()), zap.Error(res.Err))
			fmt.Fprintf(w, "\t%s\tunreadable\t\t\t\t\t\t\t\n", ids[i])
			continue
		}
		view := res.View
		marker := ""
		if hasSelected && view.PositionID.Cmp(selected.PositionID) == 0 {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t[%d, %d]\t%d\n",
			marker,
			view.PositionID,
			status(view),
			a.symbol(ctx, view.SupplyAsset),
			a.symbol(ctx, view.BorrowAsset),
			assets.FormatAmount(view.TotalCollateralBase, baseCurrencyDecimals),
			assets.FormatAmount(view.TotalDebtBase, baseCurrencyDecimals),
			assets.FormatAmount(view.HealthFactor, healthFactorDecimals),
			view.TickLower, view.TickUpper, view.CurrentTick,
		)
	}
	return w.Flush()
}

func status(view model.PositionView) string {
	if view.IsOpen {
		return "open"
	}
	return "closed"
}

func (a *app) symbol(ctx context.Context, asset string) string {
	if !common.IsHexAddress(asset) {
		return asset
	}
	return a.assets.Lookup(ctx, common.HexToAddress(asset)).Symbol
}
