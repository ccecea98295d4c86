package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/oubliette/job"
)

func TestLayers(t *testing.T) {
	t.Run("memory ceiling", func(t *testing.T) {
		spec := WorkerSpec{Env: map[string]string{}}
		MemoryCeiling{Bytes: 1 << 30}.Apply(&spec)
		assert.Equal(t, int64(1<<30), spec.MemoryLimitBytes)
	})

	t.Run("device visibility", func(t *testing.T) {
		spec := WorkerSpec{Env: map[string]string{}}
		DeviceVisibility{DeviceID: "1"}.Apply(&spec)
		assert.Equal(t, "1", spec.Env[DeviceEnvVar])
	})

	t.Run("empty device leaves visibility alone", func(t *testing.T) {
		spec := WorkerSpec{Env: map[string]string{}}
		DeviceVisibility{}.Apply(&spec)
		assert.NotContains(t, spec.Env, DeviceEnvVar)
	})

	t.Run("deterministic seed", func(t *testing.T) {
		spec := WorkerSpec{Env: map[string]string{}}
		DeterministicSeed{Seed: 42}.Apply(&spec)
		assert.Equal(t, "42", spec.Env["PYTHONHASHSEED"])
		assert.Equal(t, int64(42), spec.Job.Seed)
	})
}

type envLayer struct{ key, value string }

func (l envLayer) Apply(spec *WorkerSpec) { spec.Env[l.key] = l.value }

func TestEngineSpec(t *testing.T) {
	limits := job.DefaultLimits()
	limits.MaxMemoryBytes = 512 << 20
	engine := NewEngine(zaptest.NewLogger(t), limits, EngineConfig{Seed: 7},
		WithLayers(envLayer{key: "EXTRA", value: "yes"}))

	req, err := job.New(job.Spec{
		ScriptPath:  "/work/script.py",
		DatasetPath: "/app/data",
		OutputPath:  "/outputs/model",
		Mode:        job.ModeInference,
		DeviceID:    "0",
		Params:      map[string]any{"lr": 0.1},
	})
	require.NoError(t, err)

	spec := engine.Spec(req)
	assert.Equal(t, "python3", spec.Python)
	assert.Equal(t, int64(512<<20), spec.MemoryLimitBytes)
	assert.Equal(t, "0", spec.Env[DeviceEnvVar])
	assert.Equal(t, "7", spec.Env["PYTHONHASHSEED"])
	assert.Equal(t, "yes", spec.Env["EXTRA"])

	assert.Equal(t, "/work/script.py", spec.Job.Script)
	assert.Equal(t, "/app/data", spec.Job.Dataset)
	assert.Equal(t, "/outputs/model", spec.Job.Output)
	assert.Equal(t, job.ModeInference, spec.Job.Mode)
	assert.Equal(t, job.DefaultDatasetType, spec.Job.DatasetType)
	assert.Equal(t, resultFD, spec.Job.ResultFD)
	assert.Equal(t, ModuleName, spec.Job.ModuleName)
	assert.Equal(t, int64(7), spec.Job.Seed)
	assert.Equal(t, map[string]any{"lr": 0.1}, spec.Job.Params)
}

func TestWorkerEnv(t *testing.T) {
	spec := WorkerSpec{
		Python:           "python3",
		Env:              map[string]string{DeviceEnvVar: "2"},
		MemoryLimitBytes: 1024,
	}
	env := workerEnv(spec)
	assert.Contains(t, env, envWorkerExec+"=1")
	assert.Contains(t, env, envPython+"=python3")
	assert.Contains(t, env, envMemoryLimit+"=1024")
	assert.Contains(t, env, DeviceEnvVar+"=2")

	stripped := workerEnviron(env)
	for _, kv := range stripped {
		assert.False(t, strings.HasPrefix(kv, "OUBLIETTE_WORKER_"), "control variable leaked: %s", kv)
	}
	assert.Contains(t, stripped, DeviceEnvVar+"=2")
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateSpawned.Terminal())
	assert.False(t, StateRunning.Terminal())
	for _, s := range []State{StateCompleted, StateTimedOut, StateCrashed, StateKilledForMemory} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "killed_for_memory", StateKilledForMemory.String())
}
