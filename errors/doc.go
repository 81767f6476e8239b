// Package errors implements the three-class error model used across the
// pipeline: Transient (retry may succeed), Invalid (bad input, do not retry)
// and Fatal (stop processing).
//
// Errors are wrapped with the component and method that observed them:
//
//	"component.method: action failed: %w"
//
// The pipeline's operation errors (ErrUnregisteredType, ErrTimeout,
// ErrNotFound, ErrTierFailure and friends) are plain sentinel values so
// callers can match them with errors.Is through any wrapping:
//
//	v, err := pipeline.Load[*Account](p, id).Await(ctx)
//	if errors.Is(err, errors.ErrNotFound) {
//	    // nothing in any tier
//	}
//
// Adapter failures are reported through Tier, which classifies them as
// transient and keeps both ErrTierFailure and the adapter's error in the
// chain.
package errors
