package retry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

func recordingPolicy(delays *[]time.Duration) *Policy {
	p := NewPolicy(nil)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func TestDoRateLimitedBackoffSchedule(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	attempts := 0
	got, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		if attempts < 5 {
			return 0, errors.New("HTTP 429: Too Many Requests")
		}
		return attempts, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5 || attempts != 5 {
		t.Fatalf("expected result from attempt 5, got %d after %d attempts", got, attempts)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("delays mismatch: %v != %v", delays, want)
	}
}

func TestDoRateLimitedExhausted(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	attempts := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if !exhausted.RateLimited {
		t.Fatalf("expected rate limited flag")
	}
	if attempts != 6 || exhausted.Attempts != 6 {
		t.Fatalf("expected 6 attempts, got %d (reported %d)", attempts, exhausted.Attempts)
	}
	for _, d := range delays {
		if d > 15*time.Second {
			t.Fatalf("delay %s exceeds cap", d)
		}
	}
	if delays[len(delays)-1] != 15*time.Second {
		t.Fatalf("expected last delay capped at 15s, got %s", delays[len(delays)-1])
	}
}

func TestDoOrdinaryBudget(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	attempts := 0
	boom := errors.New("connection reset by peer")
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, boom
	})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.RateLimited {
		t.Fatalf("expected ordinary ExhaustedError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error to be preserved")
	}
}

func TestDoPermanentNotRetried(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	attempts := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("execution reverted: position not found")
	})
	if err == nil || attempts != 1 || len(delays) != 0 {
		t.Fatalf("expected single attempt, got %d attempts err=%v", attempts, err)
	}

	attempts = 0
	_ = DoVoid(context.Background(), p, func(context.Context) error {
		attempts++
		return MarkPermanent(errors.New("user rejected"))
	})
	if attempts != 1 {
		t.Fatalf("expected permanent marker to stop retries, got %d attempts", attempts)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := NewPolicy(nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := Do(ctx, p, func(context.Context) (int, error) {
		return 0, errors.New("too many requests")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestDelayCap(t *testing.T) {
	p := NewPolicy(nil)
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		4: 8 * time.Second,
		5: 15 * time.Second,
		9: 15 * time.Second,
	}
	for k, want := range cases {
		if got := p.Delay(k); got != want {
			t.Fatalf("delay(%d) = %s, want %s", k, got, want)
		}
	}
}

func TestMessageClassifier(t *testing.T) {
	c := MessageClassifier{}
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("429 Too Many Requests"), RateLimited},
		{errors.New("exceeded rate limit"), RateLimited},
		{fmt.Errorf("call: %w", rpc.HTTPError{StatusCode: 429}), RateLimited},
		{errors.New("i/o timeout"), Ordinary},
		{errors.New("execution reverted"), Permanent},
		{context.Canceled, Permanent},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

type item struct {
	value int
	err   error
}

func TestBatchRetriesOnlyFailedItems(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	dispatched := [][]int{}
	calls := map[int]int{}
	fn := func(_ context.Context, batch []int) ([]item, error) {
		dispatched = append(dispatched, append([]int(nil), batch...))
		out := make([]item, len(batch))
		for i, n := range batch {
			calls[n]++
			switch {
			case n == 2 && calls[n] < 3:
				out[i] = item{err: errors.New("429")}
			case n == 3:
				out[i] = item{err: errors.New("execution reverted")}
			default:
				out[i] = item{value: n * 10}
			}
		}
		return out, nil
	}

	results, err := Batch(context.Background(), p, []int{1, 2, 3}, fn,
		func(r item) error { return r.err },
		func(r item, err error) item { r.err = err; return r },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantDispatch := [][]int{{1, 2, 3}, {2}, {2}}
	if !reflect.DeepEqual(dispatched, wantDispatch) {
		t.Fatalf("dispatch mismatch: %v != %v", dispatched, wantDispatch)
	}
	if results[0].value != 10 || results[1].value != 20 {
		t.Fatalf("results mismatch: %+v", results)
	}
	if results[2].err == nil {
		t.Fatalf("expected reverted item to keep its error")
	}
	if !reflect.DeepEqual(delays, []time.Duration{time.Second, 2 * time.Second}) {
		t.Fatalf("delays mismatch: %v", delays)
	}
}

func TestBatchMarksExhaustedItems(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	fn := func(_ context.Context, batch []int) ([]item, error) {
		out := make([]item, len(batch))
		for i := range batch {
			out[i] = item{err: errors.New("dial tcp: connection refused")}
		}
		return out, nil
	}

	results, err := Batch(context.Background(), p, []int{7}, fn,
		func(r item) error { return r.err },
		func(r item, err error) item { r.err = err; return r },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(results[0].err, &exhausted) {
		t.Fatalf("expected exhausted item error, got %v", results[0].err)
	}
	if exhausted.Attempts != 3 || exhausted.RateLimited {
		t.Fatalf("unexpected exhausted error: %+v", exhausted)
	}
}
