package outcome

import (
	"errors"
	"fmt"
)

// Kind is the variant of an Outcome.
type Kind int

// Outcome kinds
const (
	KindSuccess Kind = iota
	KindFailure
	KindOutOfMemory
	KindTimeout
	KindCrashed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindTimeout:
		return "timeout"
	case KindCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Category classifies why a run did not succeed.
type Category string

// Error categories
const (
	CategorySecurityViolation Category = "SECURITY_VIOLATION"
	CategoryPathViolation     Category = "PATH_VIOLATION"
	CategoryDatasetViolation  Category = "DATASET_VIOLATION"
	CategoryContractViolation Category = "CONTRACT_VIOLATION"
	CategoryUserRuntimeError  Category = "EXECUTION_ERROR"
	CategoryOutOfMemory       Category = "OOM"
	CategoryTimeout           Category = "TIMEOUT"
	CategoryCrashed           Category = "CRASHED"
	CategoryMissingResult     Category = "NO_RESULT"
	CategoryInternal          Category = "INTERNAL_ERROR"
)

// Outcome is the final classification of one run.
type Outcome struct {
	Kind     Kind           `json:"-"`
	Category Category       `json:"category,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Message  string         `json:"message,omitempty"`
	Trace    string         `json:"trace,omitempty"`
	// Details holds additional diagnostic lines, such as security findings.
	Details  []string `json:"details,omitempty"`
	ExitCode int      `json:"exit_code,omitempty"`
}

// Success returns a successful outcome carrying metrics.
func Success(metrics map[string]any) Outcome {
	if metrics == nil {
		metrics = map[string]any{}
	}
	return Outcome{Kind: KindSuccess, Metrics: metrics}
}

// Failure returns a failed outcome for the given category.
func Failure(category Category, message, trace string) Outcome {
	return Outcome{Kind: KindFailure, Category: category, Message: message, Trace: trace}
}

// OutOfMemory returns the distinguished memory-exhaustion outcome.
func OutOfMemory(message string) Outcome {
	return Outcome{Kind: KindOutOfMemory, Category: CategoryOutOfMemory, Message: message}
}

// Timeout returns the wall-clock breach outcome.
func Timeout(message string) Outcome {
	return Outcome{Kind: KindTimeout, Category: CategoryTimeout, Message: message}
}

// Crashed returns the abnormal-exit outcome, retaining the raw exit code.
func Crashed(exitCode int) Outcome {
	return Outcome{
		Kind:     KindCrashed,
		Category: CategoryCrashed,
		Message:  fmt.Sprintf("user script crashed (exit code: %d)", exitCode),
		ExitCode: exitCode,
	}
}

// Succeeded reports whether the run completed successfully.
func (o Outcome) Succeeded() bool {
	return o.Kind == KindSuccess
}

// ProcessExitCode maps the outcome to the orchestrator's exit status.
func (o Outcome) ProcessExitCode() int {
	if o.Succeeded() {
		return 0
	}
	return 1
}

// Status is the short label used in logs, metrics and manifests.
func (o Outcome) Status() string {
	if o.Succeeded() {
		return "success"
	}
	return string(o.Category)
}

// Error is a stage failure tagged with its category.
type Error struct {
	Category Category
	Message  string
	Details  []string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a categorised error. A %w verb in format is preserved for unwrapping.
func Errorf(category Category, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Category: category, Message: err.Error(), Err: errors.Unwrap(err)}
}

// CategoryOf returns the category carried by err, or CategoryInternal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// FromError converts a stage error into a failed outcome.
func FromError(err error) Outcome {
	var e *Error
	if errors.As(err, &e) {
		o := Failure(e.Category, e.Message, "")
		o.Details = e.Details
		return o
	}
	return Failure(CategoryInternal, err.Error(), "")
}
