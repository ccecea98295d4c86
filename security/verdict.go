package security

import (
	"fmt"
	"strings"

	"github.com/isdmx/oubliette/outcome"
)

// Severity ranks a finding.
type Severity int

// Severity levels, in bandit's order
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "LOW"
	}
}

// ParseSeverity maps a bandit severity label; unknown labels (including
// UNDEFINED) rank as low.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// Finding is one diagnostic produced while evaluating a script.
type Finding struct {
	Severity Severity
	Line     int
	Source   string
	Message  string
}

func (f Finding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("[Severity: %s] Line %d: %s (%s)", f.Severity, f.Line, f.Message, f.Source)
	}
	return fmt.Sprintf("[Severity: %s] %s (%s)", f.Severity, f.Message, f.Source)
}

// Verdict is the immutable pass/fail result of evaluating one script.
type Verdict struct {
	Passed   bool
	Findings []Finding
}

// Err returns nil for a passing verdict, otherwise a SecurityViolation carrying
// one detail line per finding.
func (v Verdict) Err() error {
	if v.Passed {
		return nil
	}
	details := make([]string, 0, len(v.Findings))
	for _, f := range v.Findings {
		details = append(details, f.String())
	}
	return &outcome.Error{
		Category: outcome.CategorySecurityViolation,
		Message:  fmt.Sprintf("security audit failed with %d finding(s)", len(v.Findings)),
		Details:  details,
	}
}
