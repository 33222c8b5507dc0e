// Package workpool provides the execution contexts handlers run on.
//
// A Pool is a fixed number of workers draining a bounded queue. It is sized
// for blocking I/O (gateway lookups, chat backends, vendor HTTP calls)
// rather than pure computation:
//
//	pool := workpool.New(16, 1000, logger)
//	defer pool.Close()
//
// Three ways to hand it work:
//
//   - Submit(ctx, task): block until a queue slot frees up
//   - TrySubmit(task): fail fast with ErrQueueFull
//   - Go(task): queue without blocking; on a full queue a spare goroutine
//     waits for the slot, so the caller never runs the task
//
// Inline is an Executor that runs tasks on the calling goroutine. Serial
// wraps another Executor and runs its tasks one at a time, in order.
package workpool
