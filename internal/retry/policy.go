// Package retry runs chain operations under a bounded exponential backoff
// whose budget depends on the failure class.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 15 * time.Second
)

// Budget is the number of retries allowed per failure class.
type Budget struct {
	RateLimited int
	Ordinary    int
}

// DefaultBudget applies to reads.
var DefaultBudget = Budget{RateLimited: 5, Ordinary: 2}

// SubmitBudget applies to transaction submission. An ordinary failure may
// hide a broadcast that did reach the node, so it is not repeated.
var SubmitBudget = Budget{RateLimited: 5, Ordinary: 0}

func (b Budget) allowed(class Class) int {
	switch class {
	case RateLimited:
		return b.RateLimited
	case Ordinary:
		return b.Ordinary
	default:
		return 0
	}
}

// ExhaustedError is returned once the budget for a failure is spent.
type ExhaustedError struct {
	Attempts    int
	RateLimited bool
	Err         error
}

func (e *ExhaustedError) Error() string {
	kind := "request failed"
	if e.RateLimited {
		kind = "rate limited"
	}
	return fmt.Sprintf("%s after %d attempts: %v", kind, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy holds the retry configuration shared by a coordinator's calls.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Budget     Budget
	Classifier ErrorClassifier
	Sleep      Sleeper
	Logger     *zap.Logger
}

// NewPolicy returns a policy with the default schedule and classifier.
func NewPolicy(logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Budget:     DefaultBudget,
		Classifier: MessageClassifier{},
		Sleep:      sleepContext,
		Logger:     logger,
	}
}

// WithBudget returns a copy of p using budget.
func (p *Policy) WithBudget(budget Budget) *Policy {
	cp := *p
	cp.Budget = budget
	return &cp
}

// Delay returns the wait before retry k (1-indexed).
func (p *Policy) Delay(k int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if k < 1 {
		k = 1
	}
	delay := base
	for i := 1; i < k; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Backoff waits the delay scheduled before retry k.
func (p *Policy) Backoff(ctx context.Context, k int) error {
	return p.sleep(ctx, p.Delay(k))
}

func (p *Policy) classify(err error) Class {
	if p.Classifier == nil {
		return MessageClassifier{}.Classify(err)
	}
	return p.Classifier.Classify(err)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return p.Sleep(ctx, d)
}

func (p *Policy) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Do runs fn until it succeeds, fails permanently or the budget of the most
// recent failure class is spent.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		p = NewPolicy(nil)
	}

	retries := 0
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		class := p.classify(err)
		if class == Permanent {
			return zero, err
		}
		if retries >= p.Budget.allowed(class) {
			return zero, &ExhaustedError{Attempts: attempt, RateLimited: class == RateLimited, Err: err}
		}

		retries++
		delay := p.Delay(retries)
		p.logger().Warn("operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Bool("rate_limited", class == RateLimited),
			zap.Error(err),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p *Policy, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

