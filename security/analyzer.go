package security

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/isdmx/oubliette/sandbox"
)

// Analyzer is a static checker run over a script before execution. An error
// means the analyzer could not produce a verdict; the gate treats it as a failure.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, scriptPath string) ([]Finding, error)
}

// BanditAnalyzer runs the bandit CLI and reports issues at or above a minimum severity.
type BanditAnalyzer struct {
	runner      sandbox.CommandRunner
	command     string
	minSeverity Severity
}

// NewBanditAnalyzer creates a BanditAnalyzer invoking command (usually "bandit").
func NewBanditAnalyzer(runner sandbox.CommandRunner, command string, minSeverity Severity) *BanditAnalyzer {
	return &BanditAnalyzer{runner: runner, command: command, minSeverity: minSeverity}
}

func (*BanditAnalyzer) Name() string { return "bandit" }

type banditReport struct {
	Errors []struct {
		Filename string `json:"filename"`
		Reason   string `json:"reason"`
	} `json:"errors"`
	Results []struct {
		IssueSeverity string `json:"issue_severity"`
		IssueText     string `json:"issue_text"`
		LineNumber    int    `json:"line_number"`
		TestID        string `json:"test_id"`
	} `json:"results"`
}

// Analyze runs bandit in JSON mode. Exit status 1 only means issues were found.
func (b *BanditAnalyzer) Analyze(ctx context.Context, scriptPath string) ([]Finding, error) {
	stdout, stderr, exitCode, err := b.runner.RunCommand(ctx, []string{b.command, "-f", "json", "-q", scriptPath})
	if err != nil {
		return nil, fmt.Errorf("failed to run bandit: %w", err)
	}
	if exitCode != 0 && exitCode != 1 {
		return nil, fmt.Errorf("bandit exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	var report banditReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		return nil, fmt.Errorf("failed to parse bandit report: %w", err)
	}
	if len(report.Errors) > 0 {
		return nil, fmt.Errorf("bandit could not scan %s: %s", report.Errors[0].Filename, report.Errors[0].Reason)
	}

	var findings []Finding
	for _, r := range report.Results {
		sev := ParseSeverity(r.IssueSeverity)
		if sev < b.minSeverity {
			continue
		}
		findings = append(findings, Finding{
			Severity: sev,
			Line:     r.LineNumber,
			Source:   "bandit " + r.TestID,
			Message:  r.IssueText,
		})
	}
	return findings, nil
}

//go:embed helpers/list_imports.py
var listImportsHelper string

// ASTAnalyzer asks the Python interpreter to parse the script into a syntax tree
// (without executing it) and checks every import against the policy.
type ASTAnalyzer struct {
	runner sandbox.CommandRunner
	python string
	policy Policy
}

// NewASTAnalyzer creates an ASTAnalyzer using the given interpreter.
func NewASTAnalyzer(runner sandbox.CommandRunner, python string, policy Policy) *ASTAnalyzer {
	return &ASTAnalyzer{runner: runner, python: python, policy: policy}
}

func (*ASTAnalyzer) Name() string { return "python-ast" }

type astReport struct {
	Error   string `json:"error"`
	Line    int    `json:"line"`
	Imports []struct {
		Module string `json:"module"`
		Line   int    `json:"line"`
	} `json:"imports"`
}

func (a *ASTAnalyzer) Analyze(ctx context.Context, scriptPath string) ([]Finding, error) {
	stdout, stderr, exitCode, err := a.runner.RunCommand(ctx, []string{a.python, "-I", "-S", "-c", listImportsHelper, scriptPath})
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", a.python, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("import lister exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	var report astReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &report); err != nil {
		return nil, fmt.Errorf("failed to parse import listing: %w", err)
	}
	if report.Error != "" {
		return []Finding{{Severity: SeverityHigh, Line: report.Line, Source: a.Name(), Message: report.Error}}, nil
	}

	var findings []Finding
	for _, imp := range report.Imports {
		if a.policy.Forbids(imp.Module) {
			findings = append(findings, forbiddenImport(imp.Module, imp.Line, a.Name()))
		}
	}
	return findings, nil
}

func forbiddenImport(module string, line int, source string) Finding {
	return Finding{
		Severity: SeverityHigh,
		Line:     line,
		Source:   source,
		Message:  fmt.Sprintf("forbidden import '%s'", module),
	}
}
