package governor

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
)

// invokeWithRetry runs the provider call, retrying transient and rate-limited
// failures with exponential backoff. Permanent and auth failures surface
// immediately. This is the only retry loop in the request path; adapters never
// retry on their own.
func invokeWithRetry(ctx context.Context, cfg config.RetryConfig, fn func(ctx context.Context) (providers.Result, error)) (providers.Result, error) {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	backoff := retry.NewExponential(base)
	if cfg.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(cfg.MaxDelay, backoff)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	var result providers.Result
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var execErr error
		result, execErr = fn(ctx)
		if execErr == nil {
			return nil
		}
		if providers.IsTransient(execErr) && ctx.Err() == nil {
			return retry.RetryableError(execErr)
		}
		return execErr
	})
	return result, err
}
