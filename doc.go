// Package offload runs CPU-intensive portfolio computations on a pool of
// isolated execution units without blocking the caller.
//
// Each execution unit is a dedicated goroutine with a private mailbox, result
// cache and counters. Payloads and results cross the unit boundary encoded, so
// units share no mutable state with the caller or each other. Every task gets a
// correlation id; the unit's reply is matched back to the waiting caller
// through a correlation table, with a per-task timeout.
//
// # Quick Start
//
//	m := offload.New(offload.WithPoolSize(4))
//	if err := m.Initialize(ctx); err != nil {
//		return err
//	}
//	defer m.Shutdown(context.Background())
//
//	res, err := m.Optimize(ctx, kernel.OptimizeRequest{
//		Method:          kernel.MinVariance,
//		ExpectedReturns: []float64{0.08, 0.12},
//		Covariance:      [][]float64{{0.04, 0.01}, {0.01, 0.09}},
//	})
//
// # Key Concepts
//
// Manager: the single entry point. Submit validates a typed request, routes it
// to the pool, waits for the correlated reply and records its duration.
//
// WorkerPool (package core): a fixed set of units. A task goes to the unit
// that has been idle the longest; when every unit is busy it waits in an
// unbounded FIFO backlog. A unit whose kernel panics is replaced in the same
// slot, and only the tasks that unit owned are rejected.
//
// # Failure Model
//
// Every submission ends in exactly one of: a result, a *KernelError, a timeout
// (ErrTimeout), a *UnitFailureError or ErrShutdown. A reply that arrives after
// its task timed out is dropped.
package offload
