package job

import (
	"fmt"
	"time"
)

// Build-time resource ceilings. Configuration may tighten them, never raise them.
const (
	MaxMemoryBytes    int64 = 16 * 1024 * 1024 * 1024
	MaxDatasetBytes   int64 = 50 * 1024 * 1024 * 1024
	MaxDatasetFiles         = 50000
	DefaultMaxSeconds       = 7200
	HardCapSeconds          = 86400
)

// Limits holds the resource ceilings applied to every run.
type Limits struct {
	MaxMemoryBytes    int64
	MaxDatasetBytes   int64
	MaxDatasetFiles   int
	DefaultMaxSeconds int
	HardCapSeconds    int
}

// DefaultLimits returns the build-time ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes:    MaxMemoryBytes,
		MaxDatasetBytes:   MaxDatasetBytes,
		MaxDatasetFiles:   MaxDatasetFiles,
		DefaultMaxSeconds: DefaultMaxSeconds,
		HardCapSeconds:    HardCapSeconds,
	}
}

// Validate checks that every ceiling is positive and within the build-time maximum.
func (l Limits) Validate() error {
	switch {
	case l.MaxMemoryBytes <= 0 || l.MaxMemoryBytes > MaxMemoryBytes:
		return fmt.Errorf("max memory bytes must be in (0, %d], got: %d", MaxMemoryBytes, l.MaxMemoryBytes)
	case l.MaxDatasetBytes <= 0 || l.MaxDatasetBytes > MaxDatasetBytes:
		return fmt.Errorf("max dataset bytes must be in (0, %d], got: %d", MaxDatasetBytes, l.MaxDatasetBytes)
	case l.MaxDatasetFiles <= 0 || l.MaxDatasetFiles > MaxDatasetFiles:
		return fmt.Errorf("max dataset files must be in (0, %d], got: %d", MaxDatasetFiles, l.MaxDatasetFiles)
	case l.HardCapSeconds <= 0 || l.HardCapSeconds > HardCapSeconds:
		return fmt.Errorf("hard cap seconds must be in (0, %d], got: %d", HardCapSeconds, l.HardCapSeconds)
	case l.DefaultMaxSeconds <= 0 || l.DefaultMaxSeconds > l.HardCapSeconds:
		return fmt.Errorf("default max seconds must be in (0, %d], got: %d", l.HardCapSeconds, l.DefaultMaxSeconds)
	}
	return nil
}

// Deadline clamps a requested duration in seconds to the hard cap.
// Non-positive requests fall back to the default.
func (l Limits) Deadline(requestedSeconds int) time.Duration {
	secs := requestedSeconds
	if secs <= 0 {
		secs = l.DefaultMaxSeconds
	}
	if secs > l.HardCapSeconds {
		secs = l.HardCapSeconds
	}
	return time.Duration(secs) * time.Second
}

const (
	budgetBaseSeconds     = 7200
	budgetStepSeconds     = 1800
	budgetStepBytes       = 100 * 1000 * 1000
	privilegedBudgetLimit = HardCapSeconds
)

// TimeBudget derives a wall-clock allowance from the dataset size: two hours plus
// thirty minutes per full 100 MB. Privileged submitters get the hard cap.
// The result never exceeds l.HardCapSeconds.
func (l Limits) TimeBudget(datasetBytes int64, privileged bool) int {
	budget := budgetBaseSeconds
	if datasetBytes > 0 {
		budget += int(datasetBytes/budgetStepBytes) * budgetStepSeconds
	}
	if privileged {
		budget = privilegedBudgetLimit
	}
	if budget > l.HardCapSeconds {
		budget = l.HardCapSeconds
	}
	return budget
}
