package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/outcome"
	"github.com/isdmx/oubliette/pathguard"
	"github.com/isdmx/oubliette/protocol"
	"github.com/isdmx/oubliette/security"
)

// recordingExecutor stands in for the sandbox and remembers every call.
type recordingExecutor struct {
	mu        sync.Mutex
	calls     []job.Request
	deadlines []time.Duration
	console   string
	result    outcome.Outcome
}

func (e *recordingExecutor) Execute(_ context.Context, req job.Request, deadline time.Duration, stdout, _ io.Writer) outcome.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	e.deadlines = append(e.deadlines, deadline)
	if e.console != "" {
		_, _ = io.WriteString(stdout, e.console)
	}
	return e.result
}

type recordedRun struct {
	mode, status string
}

type fakeRecorder struct {
	runs       []recordedRun
	rejections []string
	started    int
	finished   int
}

func (f *fakeRecorder) RecordRun(mode, status string, _ time.Duration) {
	f.runs = append(f.runs, recordedRun{mode, status})
}
func (f *fakeRecorder) RecordRejection(stage string) { f.rejections = append(f.rejections, stage) }
func (f *fakeRecorder) WorkerStarted() func() {
	f.started++
	return func() { f.finished++ }
}

type fixture struct {
	outputRoot string
	dataDir    string
	scriptDir  string
	executor   *recordingExecutor
	recorder   *fakeRecorder
	runner     *Runner
}

func newFixture(t *testing.T, limits job.Limits) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		outputRoot: t.TempDir(),
		dataDir:    t.TempDir(),
		scriptDir:  t.TempDir(),
		executor:   &recordingExecutor{result: outcome.Success(map[string]any{"accuracy": 0.9})},
		recorder:   &fakeRecorder{},
	}
	gate := security.NewGate(logger, security.DefaultPolicy())
	validator := pathguard.NewValidator(logger, pathguard.Config{
		OutputRoot: f.outputRoot,
		DataRoot:   f.dataDir,
	}, pathguard.DatasetLimits{MaxFiles: limits.MaxDatasetFiles, MaxBytes: limits.MaxDatasetBytes})
	f.runner = NewRunner(logger, gate, validator, f.executor, limits, WithRecorder(f.recorder))
	return f
}

func (f *fixture) request(t *testing.T, script string, spec job.Spec) job.Request {
	t.Helper()
	path := filepath.Join(f.scriptDir, "script.py")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	spec.ScriptPath = path
	if spec.DatasetPath == "" {
		spec.DatasetPath = filepath.Join(f.dataDir, "train.csv")
	}
	if spec.OutputPath == "" {
		spec.OutputPath = filepath.Join(f.outputRoot, "model")
	}
	req, err := job.New(spec)
	require.NoError(t, err)
	return req
}

const trainScript = `def train(dataset_path, save_path, hyperparameters, dataset_type):
    return {"accuracy": 0.9}
`

func TestRunSuccess(t *testing.T) {
	f := newFixture(t, job.DefaultLimits())
	f.executor.console = "epoch 1\n"
	req := f.request(t, trainScript, job.Spec{Params: map[string]any{"epochs": 2}})

	var stdout, stderr bytes.Buffer
	res := f.runner.Run(context.Background(), req, &stdout, &stderr)

	require.True(t, res.Outcome.Succeeded())
	assert.Equal(t, 0, res.ExitCode())
	assert.True(t, res.Admitted)
	require.Len(t, f.executor.calls, 1)
	assert.Equal(t, 2*time.Hour, f.executor.deadlines[0])

	report, err := protocol.Parse(stdout.Bytes())
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.Equal(t, protocol.StatusOK, report.Metrics[protocol.StatusKey])
	assert.Contains(t, report.Metrics, protocol.ElapsedKey)

	dir := filepath.Join(f.outputRoot, "model")
	data, err := os.ReadFile(filepath.Join(dir, protocol.MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"accuracy": 0.9`)

	audit, err := os.ReadFile(filepath.Join(dir, AuditLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "] epoch 1\n")
	assert.Contains(t, string(audit), protocol.MetricsStart)

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, req.ID(), m.JobID)
	assert.Equal(t, "success", m.Status)
	assert.Equal(t, 0, m.ExitCode)
	scriptSum, err := FileSHA256(req.ScriptPath())
	require.NoError(t, err)
	assert.Equal(t, scriptSum, m.ScriptSHA256)
	auditSum, err := FileSHA256(filepath.Join(dir, AuditLogFile))
	require.NoError(t, err)
	assert.Equal(t, auditSum, m.AuditLogSHA256)

	assert.Equal(t, []recordedRun{{"train", "success"}}, f.recorder.runs)
	assert.Equal(t, 1, f.recorder.started)
	assert.Equal(t, 1, f.recorder.finished)
}

func TestRunForbiddenImportNeverExecutes(t *testing.T) {
	for _, spelling := range []string{
		"import subprocess\n",
		"from socket import socket\n",
		"import os, ctypes\n",
		"def train(**kw):\n    import shutil\n",
	} {
		t.Run(strings.TrimSpace(spelling), func(t *testing.T) {
			f := newFixture(t, job.DefaultLimits())
			req := f.request(t, spelling+trainScript, job.Spec{})

			var stdout bytes.Buffer
			res := f.runner.Run(context.Background(), req, &stdout, io.Discard)

			assert.Equal(t, outcome.CategorySecurityViolation, res.Outcome.Category)
			assert.Equal(t, 1, res.ExitCode())
			assert.False(t, res.Admitted)
			assert.Empty(t, f.executor.calls)
			assert.Equal(t, []string{"security"}, f.recorder.rejections)

			entries, err := os.ReadDir(f.outputRoot)
			require.NoError(t, err)
			assert.Empty(t, entries, "output root must be untouched")

			report, err := protocol.Parse(stdout.Bytes())
			require.NoError(t, err)
			assert.Equal(t, outcome.CategorySecurityViolation, report.Category)
			assert.Contains(t, stdout.String(), "forbidden import")
		})
	}
}

func TestRunPathViolationBeforeSpawn(t *testing.T) {
	f := newFixture(t, job.DefaultLimits())
	req := f.request(t, trainScript, job.Spec{OutputPath: filepath.Join(t.TempDir(), "elsewhere")})

	var stdout bytes.Buffer
	res := f.runner.Run(context.Background(), req, &stdout, io.Discard)

	assert.Equal(t, outcome.CategoryPathViolation, res.Outcome.Category)
	assert.Empty(t, f.executor.calls)
	assert.Equal(t, []string{"path"}, f.recorder.rejections)
	assert.Contains(t, stdout.String(), protocol.ErrorTag+" PATH_VIOLATION: output path outside sandbox")
}

func TestRunBadInputExtension(t *testing.T) {
	f := newFixture(t, job.DefaultLimits())
	dataset := filepath.Join(f.dataDir, "payload.so")
	require.NoError(t, os.WriteFile(dataset, []byte("x"), 0o644))
	req := f.request(t, trainScript, job.Spec{DatasetPath: dataset})

	res := f.runner.Run(context.Background(), req, io.Discard, io.Discard)
	assert.Equal(t, outcome.CategoryPathViolation, res.Outcome.Category)
	assert.Empty(t, f.executor.calls)
}

func TestRunDatasetViolation(t *testing.T) {
	limits := job.DefaultLimits()
	limits.MaxDatasetFiles = 3
	f := newFixture(t, limits)
	for i := range 5 {
		require.NoError(t, os.WriteFile(filepath.Join(f.dataDir, string(rune('a'+i))+".csv"), nil, 0o644))
	}
	req := f.request(t, trainScript, job.Spec{DatasetPath: f.dataDir})

	var stdout bytes.Buffer
	res := f.runner.Run(context.Background(), req, &stdout, io.Discard)
	assert.Equal(t, outcome.CategoryDatasetViolation, res.Outcome.Category)
	assert.Empty(t, f.executor.calls)
	assert.Equal(t, []string{"dataset"}, f.recorder.rejections)
	assert.Contains(t, stdout.String(), "too many entries")
}

func TestRunFailureOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome outcome.Outcome
		marker  string
	}{
		{"timeout", outcome.Timeout("execution exceeded 2s"), "TIMEOUT"},
		{"crash", outcome.Crashed(139), "CRASHED"},
		{"oom", outcome.OutOfMemory("process killed (out of memory or force kill)"), "OOM"},
		{"contract", outcome.Failure(outcome.CategoryContractViolation, "mode 'train' requires a 'train(...)' function", ""), "CONTRACT_VIOLATION"},
		{"missing", outcome.Failure(outcome.CategoryMissingResult, "no results returned", ""), "NO_RESULT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, job.DefaultLimits())
			f.executor.result = tt.outcome
			req := f.request(t, trainScript, job.Spec{})

			var stdout bytes.Buffer
			res := f.runner.Run(context.Background(), req, &stdout, io.Discard)
			assert.Equal(t, 1, res.ExitCode())
			assert.Nil(t, res.Payload)
			assert.Contains(t, stdout.String(), protocol.ErrorTag+" "+tt.marker+": ")

			dir := filepath.Join(f.outputRoot, "model")
			_, err := os.Stat(filepath.Join(dir, protocol.MetricsFile))
			assert.True(t, os.IsNotExist(err), "metrics.json must only exist on success")
			m, err := ReadManifest(dir)
			require.NoError(t, err)
			assert.Equal(t, tt.marker, m.Status)
			assert.Equal(t, 1, m.ExitCode)
		})
	}
}

func TestRunDeadlineIsCapped(t *testing.T) {
	f := newFixture(t, job.DefaultLimits())
	req := f.request(t, trainScript, job.Spec{MaxSeconds: 10 * job.HardCapSeconds})
	f.runner.Run(context.Background(), req, io.Discard, io.Discard)
	require.Len(t, f.executor.deadlines, 1)
	assert.Equal(t, time.Duration(job.HardCapSeconds)*time.Second, f.executor.deadlines[0])
}

func TestRunWithoutAudit(t *testing.T) {
	f := newFixture(t, job.DefaultLimits())
	WithAudit(false)(f.runner)
	req := f.request(t, trainScript, job.Spec{})

	res := f.runner.Run(context.Background(), req, io.Discard, io.Discard)
	require.True(t, res.Outcome.Succeeded())

	dir := filepath.Join(f.outputRoot, "model")
	_, err := os.Stat(filepath.Join(dir, AuditLogFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, protocol.MetricsFile))
	assert.NoError(t, err)
}

func TestAuditLogTimestampsLines(t *testing.T) {
	var buf bytes.Buffer
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newAuditLog(&buf, func() time.Time { return clock })

	_, err := a.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = a.Write([]byte("half\nthird\n"))
	require.NoError(t, err)
	a.Note("done")

	assert.Equal(t,
		"[2026-01-02T03:04:05Z] first line\n"+
			"[2026-01-02T03:04:05Z] second half\n"+
			"[2026-01-02T03:04:05Z] third\n"+
			"[2026-01-02T03:04:05Z] [SYSTEM] done\n",
		buf.String())
}

func TestAuditLogNoteEndsPartialLine(t *testing.T) {
	var buf bytes.Buffer
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newAuditLog(&buf, func() time.Time { return clock })

	_, err := a.Write([]byte("progress 50%"))
	require.NoError(t, err)
	a.Note("killed")

	assert.Equal(t,
		"[2026-01-02T03:04:05Z] progress 50%\n"+
			"[2026-01-02T03:04:05Z] [SYSTEM] killed\n",
		buf.String())
}
