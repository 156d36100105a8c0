// Package async runs background tasks with panic recovery, a timeout and logged errors.
//
// # Key Functions
//
// SafeGo executes a function in its own goroutine:
//
//	async.SafeGo(context.WithoutCancel(r.Context()), time.Hour, "manual billing cycle", logger,
//		func(ctx context.Context) error {
//			_, err := runner.Run(ctx, time.Now().UTC())
//			return err
//		})
//
// The returned channel is closed once the task has finished, which lets tests and
// shutdown hooks wait for it.
//
// # Related Packages
//
//   - pkg/api: Detached billing cycle runs
//   - cmd/inkwell-billing: Plan file watching
package async
