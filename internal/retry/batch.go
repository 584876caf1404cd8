package retry

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Batch dispatches items through fn and re-dispatches only the items whose
// result still carries a retryable error. errOf extracts a per-item error.
// Items keep their input positions; an item that is still failing when its
// budget runs out keeps its last result, with the error wrapped in
// ExhaustedError. The returned error is non-nil only when fn itself fails
// to dispatch.
func Batch[C, R any](
	ctx context.Context,
	p *Policy,
	items []C,
	fn func(context.Context, []C) ([]R, error),
	errOf func(R) error,
	wrap func(R, error) R,
) ([]R, error) {
	if p == nil {
		p = NewPolicy(nil)
	}
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	pending := make([]int, len(items))
	for i := range items {
		pending[i] = i
	}
	attempts := make([]int, len(items))
	retries := 0

	for {
		batch := make([]C, len(pending))
		for j, idx := range pending {
			batch[j] = items[idx]
		}

		out, err := Do(ctx, p, func(ctx context.Context) ([]R, error) {
			return fn(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		if len(out) != len(batch) {
			return nil, fmt.Errorf("batch returned %d results for %d calls", len(out), len(batch))
		}

		var next []int
		var worst Class = Permanent
		for j, idx := range pending {
			attempts[idx]++
			res := out[j]
			results[idx] = res

			itemErr := errOf(res)
			if itemErr == nil {
				continue
			}
			class := p.classify(itemErr)
			if class == Permanent {
				continue
			}
			if retries >= p.Budget.allowed(class) {
				results[idx] = wrap(res, &ExhaustedError{
					Attempts:    attempts[idx],
					RateLimited: class == RateLimited,
					Err:         itemErr,
				})
				continue
			}
			if class == RateLimited || worst == Permanent {
				worst = class
			}
			next = append(next, idx)
		}

		if len(next) == 0 {
			return results, nil
		}

		retries++
		delay := p.Delay(retries)
		p.logger().Warn("batch items failed, retrying",
			zap.Int("failed", len(next)),
			zap.Int("total", len(items)),
			zap.Duration("backoff", delay),
			zap.Bool("rate_limited", worst == RateLimited),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
		pending = next
	}
}
