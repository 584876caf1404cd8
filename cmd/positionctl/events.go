package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"positionkeeper/internal/demotrader"
	"positionkeeper/internal/eventlog"
	"positionkeeper/internal/indexer"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and maintain the hook event log",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print stored hook events, most recent first",
		Args:  cobra.NoArgs,
		RunE:  runEventsList,
	}
	listCmd.Flags().Int("limit", 20, "number of events to print, 0 prints all")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored hook event",
		Args:  cobra.NoArgs,
		RunE:  runEventsClear,
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Backfill hook events from historical blocks",
		Args:  cobra.NoArgs,
		RunE:  runEventsSync,
	}
	syncCmd.Flags().String("from", "0", "start block (inclusive)")
	syncCmd.Flags().String("to", "latest", "end block (inclusive)")
	syncCmd.Flags().Uint64("batch-size", indexer.DefaultBatchSize, "blocks per eth_getLogs request")
	syncCmd.Flags().String("checkpoint", "./data/hook-checkpoint.json", "checkpoint file path, empty disables it")

	cmd.AddCommand(listCmd, clearCmd, syncCmd)
	return cmd
}

func runEventsList(cmd *cobra.Command, _ []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	log, err := a.eventLog(ctx)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	events := eventlog.MostRecentFirst(log.Events())
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSOURCE\tPOOL\tTICK\tSQRT PRICE X96\tTX")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			time.UnixMilli(ev.TimestampMs).UTC().Format(time.RFC3339),
			ev.Source, ev.PoolID, ev.Tick, ev.SqrtPriceX96, ev.TxHash)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d of %d events\n", len(events), log.Len())
	return nil
}

func runEventsClear(cmd *cobra.Command, _ []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	log, err := a.eventLog(ctx)
	if err != nil {
		return err
	}
	removed := log.Len()
	if err := log.Clear(ctx); err != nil {
		return err
	}
	a.logger.Info("event log cleared", zap.Int("removed", removed))
	return nil
}

func runEventsSync(cmd *cobra.Command, _ []string) error {
	fromText, _ := cmd.Flags().GetString("from")
	toText, _ := cmd.Flags().GetString("to")
	from, err := indexer.ParseBlock(fromText)
	if err != nil {
		return err
	}
	to, err := indexer.ParseBlock(toText)
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
	decoder, err := a.hookDecoder()
	if err != nil {
		return err
	}
	if decoder == nil {
		return fmt.Errorf("hook address is required")
	}
	log, err := a.eventLog(ctx)
	if err != nil {
		return err
	}

	runner := indexer.NewRunner(indexer.RunConfig{
		FromBlock:      from,
		ToBlock:        to,
		BatchSize:      a.cfg.BatchSize,
		CheckpointPath: a.cfg.Checkpoint,
	}, a.chain, decoder, log, a.retry, a.logger)

	a.logger.Info("hook sync start",
		zap.String("hook", decoder.Emitter().Hex()),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("batch_size", a.cfg.BatchSize),
		zap.String("checkpoint", a.cfg.Checkpoint),
	)
	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "scanned blocks %d-%d in %d batches, %d new events\n",
		summary.From, summary.To, summary.Batches, summary.Events)
	return nil
}

func newDemoTradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo-trade",
		Short: "Trigger the scripted demo swaps and record their hook events",
		Args:  cobra.NoArgs,
		RunE:  runDemoTrade,
	}
	cmd.Flags().String("demo-trader-url", "", "demo-trade endpoint URL")
	return cmd
}

func runDemoTrade(cmd *cobra.Command, _ []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := demotrader.NewClient(demotrader.Config{
		URL:    a.cfg.DemoTraderURL,
		Retry:  a.retry,
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	log, err := a.eventLog(ctx)
	if err != nil {
		return err
	}

	res, err := client.Run(ctx)
	if err != nil {
		return err
	}
	if err := log.AddMany(ctx, res.Events); err != nil {
		return fmt.Errorf("record demo trade events: %w", err)
	}
	fmt.Fprintf(os.Stdout, "block %s: %d swaps, %d hook events recorded\n", res.BlockNumber, res.Swaps, len(res.Events))
	for _, hash := range res.TxHashes {
		fmt.Fprintf(os.Stdout, "  %s\n", hash)
	}
	return nil
}
