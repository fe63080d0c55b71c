// Package workerpool is a cross-runtime worker pool core: a Pool dispatches
// named or dynamic tasks to a fleet of Worker Handlers, each driving one
// worker over a goroutine, forked-process, or (goroutine-backed) web
// backend, through a small discriminated-union wire protocol.
//
// Construction
//
// New[R](opts ...Option) builds a Pool producing results of type R, from a
// goroutine/web worker body (WithWorkerBody) or a process command
// (WithProcessCommand). A Pool starts its dispatch loop immediately; Ready
// resolves once any minWorkers warmup has finished.
//
// Submitting work
//
//   - Exec(ctx, method, params, opts...) dispatches a named task.
//   - ExecFunc(ctx, fn, params, opts...) dispatches a closure directly
//     (goroutine/web backend only; the process backend rejects it, since a
//     Go closure cannot cross an OS process boundary).
//   - Proxy(ctx) returns a static facade over Exec built from the method
//     names declared with WithMethods.
//
// Exec and ExecFunc return a *future.Future[R]: cancel it to abort a queued
// or in-flight task, or attach a deadline with WithTimeout.
//
// Shutdown
//
// Terminate(ctx, force, timeout) drains (or, if force, immediately rejects)
// every task and waits for every handler to exit, following the same
// ordered, Once-guarded shutdown shape used throughout this package for
// its other one-shot lifecycle transitions.
//
// Observability
//
// Stats returns a point-in-time occupancy snapshot. WithOnEvent registers a
// listener for taskStart/taskComplete/taskFail/workerCreated/
// workerTerminated/workerError. WithLogger and WithMetrics attach
// structured logging and a metrics.Provider.
package workerpool
