// Package worker provides a generic bounded worker pool.
//
// The pipeline runs every asynchronous operation on a Pool[func(context.Context)]:
// a fixed number of workers drain a bounded queue. Submit never blocks and
// reports ErrQueueFull when the queue is at capacity.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, task func(context.Context)) error {
//	    task(ctx)
//	    return nil
//	})
//	_ = pool.Start(ctx)
//	defer pool.Stop(10 * time.Second)
//
// Stop closes the queue, lets the workers finish what is already queued and
// waits for them. A panicking task is recovered, logged and counted as
// failed; the worker keeps running.
package worker
