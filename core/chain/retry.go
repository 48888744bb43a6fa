package chain

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// Backoff is a bounded exponential backoff policy. Only network errors are
// retried unless Retry is set.
type Backoff struct {
	// Attempts is the maximum number of attempts, including the first one.
	Attempts int
	Initial  time.Duration
	Max      time.Duration

	// Retry returns true when the error is worth another attempt.
	Retry func(error) bool
}

// DefaultBackoff is the policy used for read-only calls by the controller.
var DefaultBackoff = Backoff{
	Attempts: 4,
	Initial:  200 * time.Millisecond,
	Max:      2 * time.Second,
}

// Do calls fn until it succeeds, returns an error not retried, the attempts
// are exhausted or the context is done.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	retry := b.Retry
	if retry == nil {
		retry = IsNetwork
	}

	delay := b.Initial

	var err error

	for i := 0; i < b.Attempts || i == 0; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return xerrors.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
			if b.Max > 0 && delay > b.Max {
				delay = b.Max
			}
		}

		err = fn()
		if err == nil || !retry(err) {
			return err
		}
	}

	return err
}

// IsNetwork returns true for the errors of the connection to the ledger.
func IsNetwork(err error) bool {
	return xerrors.Is(err, ErrNetwork)
}
