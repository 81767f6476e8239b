// Package retry provides exponential backoff retry loops.
//
// Presets:
//
//   - DefaultConfig: 3 attempts, 100ms-5s (adapter calls)
//   - Quick: 10 attempts, 50ms-1s (startup, KV revision conflicts)
//   - Persistent: 30 attempts, 200ms-10s (reconnecting the sync bus)
//   - Poll: unbounded, bounded only by the context (lock acquisition)
//
// Example:
//
//	err := retry.Do(ctx, retry.Poll(5*time.Millisecond), func() error {
//	    return tryAcquire()
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately, as do errors
// rejected by Config.Retryable. Context cancellation during backoff returns
// an error wrapping both the context error and the last attempt's error.
package retry
