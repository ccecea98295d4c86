package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/oubliette/outcome"
)

type fakeAnalyzer struct {
	name     string
	findings []Finding
	err      error
	calls    int
}

func (f *fakeAnalyzer) Name() string { return f.name }

func (f *fakeAnalyzer) Analyze(context.Context, string) ([]Finding, error) {
	f.calls++
	return f.findings, f.err
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.py")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

const cleanScript = `import math
import os

def train(dataset_path, save_path, hyperparameters, dataset_type):
    return {"loss": math.sqrt(4)}
`

func TestGateEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("clean script passes", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		v := gate.Evaluate(ctx, writeScript(t, cleanScript))
		assert.True(t, v.Passed)
		assert.Empty(t, v.Findings)
		assert.NoError(t, v.Err())
	})

	t.Run("forbidden import fails", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		v := gate.Evaluate(ctx, writeScript(t, "import os\nimport subprocess\n"))
		require.False(t, v.Passed)
		require.Len(t, v.Findings, 1)
		assert.Equal(t, 2, v.Findings[0].Line)
		assert.Contains(t, v.Findings[0].Message, "forbidden import 'subprocess'")
	})

	t.Run("dynamic import fails", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		v := gate.Evaluate(ctx, writeScript(t, "m = __import__('socket')\n"))
		require.False(t, v.Passed)
		assert.Contains(t, v.Findings[0].Message, "__import__")
	})

	t.Run("normalized and f-string hidden imports fail", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		for _, src := range []string{
			"import \uff53\uff55\uff42\uff50\uff52\uff4f\uff43\uff45\uff53\uff53\n",
			"x = f\"{\"'''\"}\"\nimport subprocess\n",
		} {
			v := gate.Evaluate(ctx, writeScript(t, src))
			require.False(t, v.Passed, src)
			assert.Contains(t, v.Findings[0].Message, "forbidden import 'subprocess'", src)
		}
	})

	t.Run("unparsable source fails", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		v := gate.Evaluate(ctx, writeScript(t, "def train(:\n    s = 'open\n"))
		require.False(t, v.Passed)
		assert.Contains(t, v.Findings[0].Message, "evaluation failed")
	})

	t.Run("missing script fails", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		v := gate.Evaluate(ctx, filepath.Join(t.TempDir(), "nope.py"))
		require.False(t, v.Passed)
		assert.Contains(t, v.Findings[0].Message, "failed to read script")
	})

	t.Run("analyzer findings below threshold pass", func(t *testing.T) {
		low := &fakeAnalyzer{name: "fake", findings: []Finding{{Severity: SeverityLow, Line: 1, Message: "assert used"}}}
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy(), WithAnalyzers(low))
		v := gate.Evaluate(ctx, writeScript(t, cleanScript))
		assert.True(t, v.Passed)
		assert.Equal(t, 1, low.calls)
	})

	t.Run("low findings never block", func(t *testing.T) {
		low := &fakeAnalyzer{name: "fake", findings: []Finding{{Severity: SeverityLow, Line: 1, Message: "assert used"}}}
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy(), WithAnalyzers(low), WithMinSeverity(SeverityLow))
		v := gate.Evaluate(ctx, writeScript(t, cleanScript))
		assert.True(t, v.Passed)
		assert.Empty(t, v.Findings)
	})

	t.Run("analyzer findings at threshold fail", func(t *testing.T) {
		medium := &fakeAnalyzer{name: "fake", findings: []Finding{{Severity: SeverityMedium, Line: 3, Message: "pickle load"}}}
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy(), WithAnalyzers(medium))
		v := gate.Evaluate(ctx, writeScript(t, cleanScript))
		require.False(t, v.Passed)
		assert.Equal(t, "pickle load", v.Findings[0].Message)
	})

	t.Run("threshold is configurable", func(t *testing.T) {
		medium := &fakeAnalyzer{name: "fake", findings: []Finding{{Severity: SeverityMedium, Line: 3, Message: "pickle load"}}}
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy(), WithAnalyzers(medium), WithMinSeverity(SeverityHigh))
		v := gate.Evaluate(ctx, writeScript(t, cleanScript))
		assert.True(t, v.Passed)
	})

	t.Run("analyzer error fails closed", func(t *testing.T) {
		broken := &fakeAnalyzer{name: "broken", err: errors.New("not installed")}
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy(), WithAnalyzers(broken))
		v := gate.Evaluate(ctx, writeScript(t, cleanScript))
		require.False(t, v.Passed)
		assert.Equal(t, "evaluation failed: broken: not installed", v.Findings[0].Message)
	})

	t.Run("duplicate findings are reported once", func(t *testing.T) {
		ast := &fakeAnalyzer{name: "python-ast", findings: []Finding{forbiddenImport("socket", 1, "python-ast")}}
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy(), WithAnalyzers(ast))
		v := gate.Evaluate(ctx, writeScript(t, "import socket\n"))
		require.False(t, v.Passed)
		assert.Len(t, v.Findings, 1)
		assert.Equal(t, "python-ast", v.Findings[0].Source)
	})

	t.Run("every forbidden module is caught", func(t *testing.T) {
		gate := NewGate(zaptest.NewLogger(t), DefaultPolicy())
		for _, m := range DefaultForbiddenModules {
			v := gate.Evaluate(ctx, writeScript(t, "from "+m+" import x\n"))
			assert.False(t, v.Passed, m)
		}
	})
}

func TestVerdictErr(t *testing.T) {
	v := Verdict{Findings: []Finding{
		{Severity: SeverityHigh, Line: 4, Source: "import-scan", Message: "forbidden import 'socket'"},
		{Severity: SeverityMedium, Source: "bandit B301", Message: "pickle"},
	}}
	err := v.Err()
	require.Error(t, err)
	assert.Equal(t, outcome.CategorySecurityViolation, outcome.CategoryOf(err))

	var oerr *outcome.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, []string{
		"[Severity: HIGH] Line 4: forbidden import 'socket' (import-scan)",
		"[Severity: MEDIUM] pickle (bandit B301)",
	}, oerr.Details)
	assert.True(t, strings.HasPrefix(err.Error(), "SECURITY_VIOLATION: "))
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityHigh, ParseSeverity("HIGH"))
	assert.Equal(t, SeverityMedium, ParseSeverity(" medium "))
	assert.Equal(t, SeverityLow, ParseSeverity("LOW"))
	assert.Equal(t, SeverityLow, ParseSeverity("UNDEFINED"))
}
