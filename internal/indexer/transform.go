package indexer

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"positionkeeper/internal/hook"
	"positionkeeper/internal/model"
	"positionkeeper/internal/retry"
)

// convert turns decoded events into log entries, dropping events this run
// already appended. An event whose own timestamp is unusable takes the
// timestamp of the block it was mined in.
func (r *Runner) convert(ctx context.Context, decoded []hook.SwapPriceLogged) ([]model.HookEvent, error) {
	events := make([]model.HookEvent, 0, len(decoded))
	for _, ev := range decoded {
		var fallbackMs int64
		if !hook.ValidTimestamp(ev.Timestamp) {
			block := ev.BlockNumber
			seconds, err := retry.Do(ctx, r.retry, func(ctx context.Context) (uint64, error) {
				return r.chain.BlockTimestamp(ctx, block)
			})
			if err != nil {
				return nil, fmt.Errorf("timestamp of block %d: %w", block, err)
			}
			fallbackMs = hook.TimestampMs(new(big.Int).SetUint64(seconds), 0)
			r.logger.Debug("event timestamp replaced by block time",
				zap.String("tx", ev.TxHash.Hex()),
				zap.Uint64("block", block),
			)
		}

		event := hook.ToHookEvent(ev, model.SourceIndexer, fallbackMs)
		if _, ok := r.seen[event.ID]; ok {
			continue
		}
		r.seen[event.ID] = struct{}{}
		events = append(events, event)
	}
	return events, nil
}
