package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/oubliette/outcome"
)

// exitCodeKilled is the shell convention for a process ended by SIGKILL
// (128 + 9). Container runtimes report OOM kills this way.
const exitCodeKilled = 137

// Report statuses written by the bootstrap.
const (
	reportSuccess  = "success"
	reportError    = "error"
	reportOOM      = "oom"
	reportContract = "contract"
)

type workerReport struct {
	Status  string          `json:"status"`
	Metrics json.RawMessage `json:"metrics"`
	Error   string          `json:"error"`
	Trace   string          `json:"trace"`
}

// Supervisor enforces a worker's deadline and classifies how it ended.
type Supervisor struct {
	logger *zap.Logger
	grace  time.Duration
}

// NewSupervisor creates a Supervisor. grace is how long a worker may take to
// exit after SIGTERM before it is killed.
func NewSupervisor(logger *zap.Logger, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = time.Second
	}
	return &Supervisor{logger: logger, grace: grace}
}

// Wait blocks until the worker exits or deadline elapses and returns the single
// outcome of the run. Cancelling ctx takes the same path as the deadline. The
// worker's process group is gone when Wait returns.
func (s *Supervisor) Wait(ctx context.Context, w *Worker, deadline time.Duration) outcome.Outcome {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case err := <-w.done:
		s.killGroup(w)
		return s.classify(w, err)
	case <-ctx.Done():
		s.terminate(w)
		w.setState(StateTimedOut)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("worker exceeded deadline",
				zap.String("job_id", w.jobID),
				zap.Duration("deadline", deadline))
			return outcome.Timeout(fmt.Sprintf("execution exceeded %ds", int(deadline.Seconds())))
		}
		s.logger.Warn("worker cancelled", zap.String("job_id", w.jobID), zap.Error(ctx.Err()))
		return outcome.Timeout(fmt.Sprintf("execution cancelled: %v", ctx.Err()))
	}
}

// terminate asks the worker's group to stop, waits out the grace period and
// then kills whatever is left.
func (s *Supervisor) terminate(w *Worker) {
	s.signalGroup(w, unix.SIGTERM)
	select {
	case <-w.done:
	case <-time.After(s.grace):
		s.logger.Warn("worker ignored SIGTERM, killing", zap.String("job_id", w.jobID))
		s.signalGroup(w, unix.SIGKILL)
		<-w.done
	}
	s.killGroup(w)
}

// killGroup removes any process the worker left behind in its group.
func (s *Supervisor) killGroup(w *Worker) {
	s.signalGroup(w, unix.SIGKILL)
}

func (s *Supervisor) signalGroup(w *Worker, sig unix.Signal) {
	err := unix.Kill(-w.Pid(), sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("failed to signal worker group",
			zap.String("job_id", w.jobID),
			zap.Stringer("signal", sig),
			zap.Error(err))
	}
}

// readReport collects the report once the pipe is closed. A descendant that
// escaped the group may still hold the pipe open, so the wait is bounded.
func (s *Supervisor) readReport(w *Worker) []byte {
	select {
	case data := <-w.report:
		return data
	case <-time.After(s.grace):
		s.logger.Warn("result channel still open after worker exit", zap.String("job_id", w.jobID))
		return nil
	}
}

func (s *Supervisor) classify(w *Worker, waitErr error) outcome.Outcome {
	state := w.cmd.ProcessState
	if state == nil {
		w.setState(StateCrashed)
		return outcome.Failure(outcome.CategoryInternal, fmt.Sprintf("worker wait failed: %v", waitErr), "")
	}
	if waitErr != nil && !errors.As(waitErr, new(*exec.ExitError)) {
		s.logger.Debug("worker wait returned", zap.String("job_id", w.jobID), zap.Error(waitErr))
	}

	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		if sig == syscall.SIGKILL {
			w.setState(StateKilledForMemory)
			return outcome.OutOfMemory("process killed (out of memory or force kill)")
		}
		w.setState(StateCrashed)
		s.logger.Warn("worker terminated by signal", zap.String("job_id", w.jobID), zap.Stringer("signal", sig))
		return outcome.Crashed(-int(sig))
	}

	code := state.ExitCode()
	switch {
	case code == exitCodeKilled:
		w.setState(StateKilledForMemory)
		return outcome.OutOfMemory("process killed (out of memory or force kill)")
	case code != 0:
		w.setState(StateCrashed)
		return outcome.Crashed(code)
	}

	data := s.readReport(w)
	if len(bytes.TrimSpace(data)) == 0 {
		w.setState(StateCrashed)
		return outcome.Failure(outcome.CategoryMissingResult, "no results returned", "")
	}
	res := decodeReport(data)
	if res.Kind == outcome.KindOutOfMemory {
		w.setState(StateKilledForMemory)
	} else {
		w.setState(StateCompleted)
	}
	return res
}

// decodeReport turns the bootstrap's report into an outcome.
func decodeReport(data []byte) outcome.Outcome {
	var r workerReport
	if err := json.Unmarshal(data, &r); err != nil {
		return outcome.Failure(outcome.CategoryMissingResult, fmt.Sprintf("malformed result: %v", err), "")
	}

	switch r.Status {
	case reportSuccess:
		metrics, err := decodeMetrics(r.Metrics)
		if err != nil {
			return outcome.Failure(outcome.CategoryMissingResult, fmt.Sprintf("malformed metrics: %v", err), "")
		}
		return outcome.Success(metrics)
	case reportError:
		return outcome.Failure(outcome.CategoryUserRuntimeError, r.Error, r.Trace)
	case reportOOM:
		msg := r.Error
		if msg == "" {
			msg = "script exceeded RAM limit"
		}
		return outcome.OutOfMemory(msg)
	case reportContract:
		return outcome.Failure(outcome.CategoryContractViolation, r.Error, "")
	default:
		return outcome.Failure(outcome.CategoryMissingResult, fmt.Sprintf("malformed result: unknown status %q", r.Status), "")
	}
}

// decodeMetrics keeps integer metrics exact and wraps non-object values under
// "result".
func decodeMetrics(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	default:
		return map[string]any{"result": m}, nil
	}
}
