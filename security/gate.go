package security

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const importScannerSource = "import-scan"

// Gate evaluates scripts before they are allowed to run.
type Gate struct {
	logger      *zap.Logger
	policy      Policy
	analyzers   []Analyzer
	minSeverity Severity
}

// GateOption defines a functional option for Gate
type GateOption func(*Gate)

// WithAnalyzers appends external analyzers, run in the given order.
func WithAnalyzers(analyzers ...Analyzer) GateOption {
	return func(g *Gate) {
		g.analyzers = append(g.analyzers, analyzers...)
	}
}

// WithMinSeverity sets the lowest severity that blocks a script. Low findings
// never block, so thresholds below medium are raised to medium.
func WithMinSeverity(s Severity) GateOption {
	return func(g *Gate) {
		g.minSeverity = max(s, SeverityMedium)
	}
}

// NewGate creates a Gate enforcing policy. The import scanner always runs.
func NewGate(logger *zap.Logger, policy Policy, opts ...GateOption) *Gate {
	g := &Gate{
		logger:      logger,
		policy:      policy,
		minSeverity: SeverityMedium,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs every check over the script and returns the verdict. It never
// panics or returns an error: a check that cannot complete fails the verdict.
func (g *Gate) Evaluate(ctx context.Context, scriptPath string) Verdict {
	var (
		findings []Finding
		evalErrs error
	)

	for _, a := range g.analyzers {
		found, err := a.Analyze(ctx, scriptPath)
		if err != nil {
			evalErrs = multierr.Append(evalErrs, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		findings = append(findings, found...)
	}

	found, err := g.scanImports(scriptPath)
	if err != nil {
		evalErrs = multierr.Append(evalErrs, fmt.Errorf("%s: %w", importScannerSource, err))
	}
	findings = append(findings, found...)

	for _, e := range multierr.Errors(evalErrs) {
		findings = append(findings, Finding{
			Severity: SeverityHigh,
			Source:   "gate",
			Message:  "evaluation failed: " + e.Error(),
		})
	}

	blocking := dedupe(findings, g.minSeverity)
	verdict := Verdict{Passed: len(blocking) == 0, Findings: blocking}

	if verdict.Passed {
		g.logger.Debug("security gate passed", zap.String("script", scriptPath))
	} else {
		g.logger.Warn("security gate rejected script",
			zap.String("script", scriptPath),
			zap.Int("findings", len(blocking)))
	}
	return verdict
}

func (g *Gate) scanImports(scriptPath string) ([]Finding, error) {
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	res, err := ScanImports(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	var findings []Finding
	for _, imp := range res.Imports {
		if g.policy.Forbids(imp.Module) {
			findings = append(findings, forbiddenImport(imp.Module, imp.Line, importScannerSource))
		}
	}
	for _, line := range res.DynamicImports {
		findings = append(findings, Finding{
			Severity: SeverityHigh,
			Line:     line,
			Source:   importScannerSource,
			Message:  "dynamic import via __import__ is not allowed",
		})
	}
	return findings, nil
}

// dedupe drops findings below threshold and repeats of the same message on the same
// line reported by different checks, keeping the first.
func dedupe(findings []Finding, threshold Severity) []Finding {
	type key struct {
		line int
		msg  string
	}
	seen := make(map[key]struct{}, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Severity < threshold {
			continue
		}
		k := key{f.Line, f.Message}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}
