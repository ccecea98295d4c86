package sandbox

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

//go:embed bootstrap.py
var bootstrapSource string

// envPrefix marks orchestrator variables, configuration overrides included.
// None of them reach the interpreter.
const envPrefix = "OUBLIETTE_"

// Environment handed from the engine to the worker shim.
const (
	envWorkerExec  = "OUBLIETTE_WORKER_EXEC"
	envMemoryLimit = "OUBLIETTE_WORKER_MEMORY_LIMIT"
	envPython      = "OUBLIETTE_WORKER_PYTHON"
)

// rlimInfinity is RLIM_INFINITY as stored in an unsigned Rlimit field.
const rlimInfinity = ^uint64(0)

// exitShimFailure is the status the shim exits with when it cannot exec the
// interpreter. The supervisor reports it as a crash.
const exitShimFailure = 127

// Swapped in tests.
var (
	getrlimit = unix.Getrlimit
	setrlimit = unix.Setrlimit
)

// IsWorkerExec reports whether this process was started by the Engine as a worker.
func IsWorkerExec() bool {
	return os.Getenv(envWorkerExec) == "1"
}

// ExecWorker applies the memory ceiling to the current process and replaces it
// with the Python bootstrap. It only returns control by exiting.
func ExecWorker() {
	applyMemoryLimit(os.Getenv(envMemoryLimit), os.Stderr)

	python := os.Getenv(envPython)
	path, err := exec.LookPath(python)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: interpreter %q not found: %v\n", python, err)
		os.Exit(exitShimFailure)
	}

	argv := []string{python, "-u", "-B", "-c", bootstrapSource}
	err = unix.Exec(path, argv, workerEnviron(os.Environ()))
	fmt.Fprintf(os.Stderr, "worker: exec %s: %v\n", path, err)
	os.Exit(exitShimFailure)
}

// applyMemoryLimit applies the ceiling named by raw. The limit is best effort:
// failures are reported on warn and the worker still starts.
func applyMemoryLimit(raw string, warn io.Writer) {
	if raw == "" {
		return
	}
	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		fmt.Fprintf(warn, "WARN: ignoring invalid memory limit %q\n", raw)
		return
	}
	if err := applyMemoryCeiling(limit); err != nil {
		fmt.Fprintf(warn, "WARN: could not set RAM limit: %v\n", err)
	}
}

// applyMemoryCeiling lowers RLIMIT_AS for this process and everything it execs.
// A hard limit already below the request is kept.
func applyMemoryCeiling(limit uint64) error {
	var current unix.Rlimit
	if err := getrlimit(unix.RLIMIT_AS, &current); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	if current.Max != rlimInfinity && current.Max < limit {
		limit = current.Max
	}
	if err := setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}

// workerEnviron drops every orchestrator variable from environ.
func workerEnviron(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, envPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
