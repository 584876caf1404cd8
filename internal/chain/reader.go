package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"positionkeeper/internal/retry"
)

// Call is a single read-only contract call.
type Call struct {
	To   common.Address
	From *common.Address
	Data []byte
}

// Result is the outcome of one Call. Err is set when the call reverted or the
// endpoint rejected that element.
type Result struct {
	Data []byte
	Err  error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Reader issues batched read-only calls.
type Reader interface {
	BatchRead(ctx context.Context, calls []Call) ([]Result, error)
}

// ErrMalformedCall is returned when a batch contains an unusable call.
var ErrMalformedCall = errors.New("malformed call")

// ReadWithRetry runs calls through reader, re-dispatching the elements that
// failed with a retryable error until policy's budget is spent.
func ReadWithRetry(ctx context.Context, policy *retry.Policy, reader Reader, calls []Call) ([]Result, error) {
	return retry.Batch(ctx, policy, calls, reader.BatchRead,
		func(r Result) error { return r.Err },
		func(r Result, err error) Result {
			r.Err = err
			return r
		},
	)
}
