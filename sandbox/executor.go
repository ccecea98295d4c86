package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/outcome"
)

// Executor starts a worker and supervises it to a single outcome.
type Executor struct {
	engine     *Engine
	supervisor *Supervisor
}

// NewExecutor pairs an Engine with the Supervisor that governs its workers.
func NewExecutor(engine *Engine, supervisor *Supervisor) *Executor {
	return &Executor{engine: engine, supervisor: supervisor}
}

// Execute runs req with the given deadline. Failing to spawn the worker is an
// internal failure; the script never ran.
func (x *Executor) Execute(ctx context.Context, req job.Request, deadline time.Duration, stdout, stderr io.Writer) outcome.Outcome {
	w, err := x.engine.Start(ctx, req, stdout, stderr)
	if err != nil {
		return outcome.Failure(outcome.CategoryInternal, err.Error(), "")
	}
	return x.supervisor.Wait(ctx, w, deadline)
}
