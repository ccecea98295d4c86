// Package sandbox runs accepted scripts in an isolated worker process.
//
// The Engine spawns the worker: the current binary re-executed as a thin shim
// that applies the memory ceiling to itself and then execs a Python interpreter
// running an embedded bootstrap. The bootstrap loads the script, calls the
// entry point for the job's mode and writes a single JSON report to a one-shot
// pipe. Isolation is built from composable Layers (memory ceiling, device
// visibility, deterministic seeding) so each can be exercised on its own.
//
// The Supervisor owns the parent side: it enforces the wall-clock deadline with
// SIGTERM then SIGKILL escalation and classifies the worker's exit into an
// outcome.Outcome.
//
// Binaries that use the Engine must hand control to the shim early in main:
//
//	func main() {
//	    if sandbox.IsWorkerExec() {
//	        sandbox.ExecWorker()
//	    }
//	    ...
//	}
//
// Usage:
//
//	engine := sandbox.NewEngine(logger, limits, sandbox.EngineConfig{Python: "python3", Seed: 42})
//	worker, err := engine.Start(ctx, req, os.Stdout, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	result := sandbox.NewSupervisor(logger, time.Second).Wait(ctx, worker, limits.Deadline(req.MaxSeconds()))
package sandbox
