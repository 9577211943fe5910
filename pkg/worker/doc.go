// Package worker drives runs from a task queue.
//
// A Worker leases one task at a time and hands it to an api.Engine:
// start-run tasks call RunFlow with the run id chosen at enqueue time,
// resume-run tasks call Resume and cancel-run tasks call Cancel. A task is
// acknowledged once the engine has an answer for it, even when that answer
// is a FAILED run or a rejected response; only infrastructure errors such
// as persistence_busy put the task back on the queue with a backoff.
//
// Delivery is at least once. A start-run task that is delivered again
// after its run was created ends with duplicate_run, which the worker
// treats as already done.
//
// A Pool runs several workers over the same queue until its context ends:
//
//	pool := worker.NewPool(eng, queue, 4, worker.Config{})
//	go pool.Run(ctx)
//	runID, _ := pool.Workers()[0].EnqueueStartRun(ctx, "demo", "report", payload)
package worker
