package engine

import (
	"context"
	"time"

	"github.com/forkline/automation/pkg/schema"
)

// retryDelay parses the per-step retry delay. A missing or malformed delay
// means no wait between attempts; validation rejects malformed delays at
// registration time, so the fallback only covers definitions loaded from
// an older store.
func retryDelay(eh *schema.ErrorHandling) time.Duration {
	if eh == nil || eh.RetryDelay == "" {
		return 0
	}
	d, err := time.ParseDuration(eh.RetryDelay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// waitRetry sleeps for the retry delay or returns early when the context is
// cancelled or the execution is cancelled out-of-band.
func waitRetry(ctx context.Context, cancelCh <-chan struct{}, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-cancelCh:
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled during retry wait")
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "context cancelled during retry wait").WithCause(ctx.Err())
	}
}
