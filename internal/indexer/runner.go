// Package indexer backfills hook events from historical blocks into the event
// log.
package indexer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"positionkeeper/internal/hook"
	"positionkeeper/internal/model"
	"positionkeeper/internal/retry"
)

// DefaultBatchSize is the block span of one eth_getLogs request.
const DefaultBatchSize = 2000

// Chain is the node surface the backfill needs.
type Chain interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Sink receives decoded events batch by batch.
type Sink interface {
	AddMany(ctx context.Context, events []model.HookEvent) error
}

// RunConfig holds runtime settings for a backfill.
type RunConfig struct {
	FromBlock uint64
	// ToBlock zero means the latest block.
	ToBlock        uint64
	BatchSize      uint64
	CheckpointPath string
}

// Summary reports what a run covered.
type Summary struct {
	From    uint64
	To      uint64
	Batches int
	Events  int
}

// Runner scans the hook emitter for SwapPriceLogged events.
type Runner struct {
	cfg        RunConfig
	chain      Chain
	decoder    *hook.Decoder
	sink       Sink
	retry      *retry.Policy
	logger     *zap.Logger
	seen       map[string]struct{}
	checkpoint *CheckpointStore
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, chainClient Chain, decoder *hook.Decoder, sink Sink, policy *retry.Policy, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.NewPolicy(logger)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	var emitter common.Address
	if decoder != nil {
		emitter = decoder.Emitter()
	}
	return &Runner{
		cfg:        cfg,
		chain:      chainClient,
		decoder:    decoder,
		sink:       sink,
		retry:      policy,
		logger:     logger.With(zap.String("component", "indexer")),
		seen:       make(map[string]struct{}),
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, emitter),
	}
}

// Run scans the configured range, resuming after the checkpoint when one
// exists for the same emitter.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if r.chain == nil {
		return Summary{}, fmt.Errorf("chain client is nil")
	}
	if r.decoder == nil {
		return Summary{}, fmt.Errorf("hook decoder is nil")
	}
	if r.sink == nil {
		return Summary{}, fmt.Errorf("event sink is nil")
	}

	from := r.cfg.FromBlock
	to := r.cfg.ToBlock
	if to == 0 {
		latest, err := retry.Do(ctx, r.retry, r.chain.LatestBlockNumber)
		if err != nil {
			return Summary{}, fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	cp, ok, err := r.checkpoint.Load()
	if err != nil {
		return Summary{}, err
	}
	if ok && cp.LastProcessedBlock >= from {
		from = cp.LastProcessedBlock + 1
		r.logger.Info("resume from checkpoint", zap.Uint64("last_processed", cp.LastProcessedBlock), zap.Uint64("from", from))
	}

	summary := Summary{From: from, To: to}
	if from > to {
		r.logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return summary, nil
	}

	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return summary, err
	}

	emitter := []common.Address{r.decoder.Emitter()}
	topic := []common.Hash{r.decoder.Topic()}
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		r.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To), zap.Uint64("blocks", blockRange.Blocks()))
		logs, err := retry.Do(ctx, r.retry, func(ctx context.Context) ([]types.Log, error) {
			return r.chain.FilterLogs(ctx, blockRange.From, blockRange.To, emitter, topic)
		})
		if err != nil {
			return summary, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		events, err := r.convert(ctx, r.decoder.Events(logs))
		if err != nil {
			return summary, err
		}
		if len(events) > 0 {
			if err := r.sink.AddMany(ctx, events); err != nil {
				return summary, fmt.Errorf("append events: %w", err)
			}
		}
		if err := r.checkpoint.Save(blockRange.To); err != nil {
			return summary, err
		}

		summary.Batches++
		summary.Events += len(events)
		r.logger.Info("batch complete", zap.Int("events", len(events)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return summary, nil
}
