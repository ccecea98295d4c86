package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/oubliette/job"
)

// ModuleName is the synthetic module name the script is loaded under.
const ModuleName = "user_training_code"

// resultFD is the descriptor number of the report pipe inside the worker
// (the first entry of exec.Cmd.ExtraFiles).
const resultFD = 3

// maxReportBytes bounds how much of the report pipe the engine will read.
const maxReportBytes = 16 * 1024 * 1024

// bootstrapJob is the document the bootstrap reads from its stdin.
type bootstrapJob struct {
	Script      string         `json:"script"`
	Dataset     string         `json:"dataset"`
	Output      string         `json:"output"`
	Params      map[string]any `json:"params"`
	DatasetType string         `json:"dataset_type"`
	Mode        job.Mode       `json:"mode"`
	Seed        int64          `json:"seed"`
	ResultFD    int            `json:"result_fd"`
	ModuleName  string         `json:"module_name"`
}

// EngineConfig holds configuration for the Engine
type EngineConfig struct {
	// Python is the interpreter the worker execs.
	Python string
	// Seed feeds the deterministic seeding layer.
	Seed int64
	// WaitDelay bounds how long Wait keeps copying worker output after exit.
	WaitDelay time.Duration
}

// Engine spawns isolated workers.
type Engine struct {
	logger     *zap.Logger
	limits     job.Limits
	config     EngineConfig
	executable func() (string, error)
	extraLayer []Layer
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithExecutable overrides how the engine locates the binary it re-executes as
// the worker shim.
func WithExecutable(fn func() (string, error)) EngineOption {
	return func(e *Engine) {
		e.executable = fn
	}
}

// WithLayers appends isolation layers applied after the built-in ones.
func WithLayers(layers ...Layer) EngineOption {
	return func(e *Engine) {
		e.extraLayer = append(e.extraLayer, layers...)
	}
}

// NewEngine creates an Engine enforcing limits.
func NewEngine(logger *zap.Logger, limits job.Limits, config EngineConfig, opts ...EngineOption) *Engine {
	if config.Python == "" {
		config.Python = "python3"
	}
	if config.WaitDelay <= 0 {
		config.WaitDelay = time.Second
	}
	e := &Engine{
		logger:     logger,
		limits:     limits,
		config:     config,
		executable: os.Executable,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Layers returns the isolation layers applied to req's worker, in order.
func (e *Engine) Layers(req job.Request) []Layer {
	layers := []Layer{
		MemoryCeiling{Bytes: e.limits.MaxMemoryBytes},
		DeviceVisibility{DeviceID: req.DeviceID()},
		DeterministicSeed{Seed: e.config.Seed},
	}
	return append(layers, e.extraLayer...)
}

// Spec builds the worker specification for req with every layer applied.
func (e *Engine) Spec(req job.Request) WorkerSpec {
	spec := WorkerSpec{
		Python: e.config.Python,
		Env:    map[string]string{},
		Job: bootstrapJob{
			Script:      req.ScriptPath(),
			Dataset:     req.DatasetPath(),
			Output:      req.OutputPath(),
			Params:      req.Params(),
			DatasetType: req.DatasetType(),
			Mode:        req.Mode(),
			ResultFD:    resultFD,
			ModuleName:  ModuleName,
		},
	}
	for _, l := range e.Layers(req) {
		l.Apply(&spec)
	}
	return spec
}

// Start spawns the worker for req. Worker console output goes to stdout and
// stderr. The returned Worker is Running; hand it to a Supervisor.
func (e *Engine) Start(ctx context.Context, req job.Request, stdout, stderr io.Writer) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("worker not started: %w", err)
	}
	spec := e.Spec(req)

	exe, err := e.executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate worker executable: %w", err)
	}
	jobDoc, err := json.Marshal(spec.Job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job for worker: %w", err)
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create report pipe: %w", err)
	}

	// The supervisor owns termination, so the command is not bound to ctx.
	cmd := exec.Command(exe) //nolint:gosec // re-executes this binary as the worker shim
	cmd.Env = workerEnv(spec)
	cmd.Stdin = bytes.NewReader(jobDoc)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{reportW}
	cmd.SysProcAttr = workerSysProcAttr()
	cmd.WaitDelay = e.config.WaitDelay

	w := newWorker(req.ID(), cmd, e.logger)
	if err := cmd.Start(); err != nil {
		reportR.Close()
		reportW.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	// Only the worker may hold the write end, so EOF marks its exit.
	reportW.Close()

	go func() {
		defer reportR.Close()
		data, _ := io.ReadAll(io.LimitReader(reportR, maxReportBytes))
		w.report <- data
	}()
	go func() {
		w.done <- cmd.Wait()
	}()

	w.setState(StateRunning)
	e.logger.Info("worker started",
		zap.String("job_id", req.ID()),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("mode", string(req.Mode())),
		zap.Int64("memory_limit_bytes", spec.MemoryLimitBytes),
		zap.String("device", req.DeviceID()))

	return w, nil
}

// workerEnv is the shim's environment: the orchestrator's own, without its
// OUBLIETTE_ variables, plus the control variables the shim consumes.
func workerEnv(spec WorkerSpec) []string {
	env := workerEnviron(os.Environ())
	vars := maps.Clone(spec.Env)
	if vars == nil {
		vars = make(map[string]string)
	}
	vars[envWorkerExec] = "1"
	vars[envPython] = spec.Python
	if spec.MemoryLimitBytes > 0 {
		vars[envMemoryLimit] = strconv.FormatInt(spec.MemoryLimitBytes, 10)
	}
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

// State is a worker lifecycle state.
type State int

// Worker lifecycle states
const (
	StateSpawned State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateCrashed
	StateKilledForMemory
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCrashed:
		return "crashed"
	case StateKilledForMemory:
		return "killed_for_memory"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Worker is the parent-side handle of one spawned worker.
type Worker struct {
	jobID  string
	cmd    *exec.Cmd
	logger *zap.Logger
	done   chan error
	report chan []byte

	mu    sync.Mutex
	state State
}

func newWorker(jobID string, cmd *exec.Cmd, logger *zap.Logger) *Worker {
	return &Worker{
		jobID:  jobID,
		cmd:    cmd,
		logger: logger,
		done:   make(chan error, 1),
		report: make(chan []byte, 1),
		state:  StateSpawned,
	}
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	if prev.Terminal() {
		w.mu.Unlock()
		return
	}
	w.state = s
	w.mu.Unlock()
	w.logger.Debug("worker state changed",
		zap.String("job_id", w.jobID),
		zap.Stringer("from", prev),
		zap.Stringer("to", s))
}
