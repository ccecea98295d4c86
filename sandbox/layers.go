package sandbox

import (
	"strconv"
)

// WorkerSpec is everything needed to launch one worker. Layers adjust it
// before the process is spawned.
type WorkerSpec struct {
	Python           string
	Env              map[string]string
	MemoryLimitBytes int64
	Job              bootstrapJob
}

// Layer is one isolation measure applied to a worker before it starts.
type Layer interface {
	Apply(spec *WorkerSpec)
}

// MemoryCeiling caps the worker's address space. The worker applies the limit
// to itself before any script code runs.
type MemoryCeiling struct {
	Bytes int64
}

func (m MemoryCeiling) Apply(spec *WorkerSpec) {
	spec.MemoryLimitBytes = m.Bytes
}

// DeviceVisibility restricts the GPUs the worker can see to one identifier.
// An empty identifier leaves visibility unchanged.
type DeviceVisibility struct {
	DeviceID string
}

// DeviceEnvVar is read by CUDA at initialization.
const DeviceEnvVar = "CUDA_VISIBLE_DEVICES"

func (d DeviceVisibility) Apply(spec *WorkerSpec) {
	if d.DeviceID == "" {
		return
	}
	spec.Env[DeviceEnvVar] = d.DeviceID
}

// DeterministicSeed fixes the hash seed and the seed the bootstrap feeds to
// random and numpy.random.
type DeterministicSeed struct {
	Seed int64
}

func (d DeterministicSeed) Apply(spec *WorkerSpec) {
	spec.Env["PYTHONHASHSEED"] = strconv.FormatInt(d.Seed, 10)
	spec.Job.Seed = d.Seed
}
