package security

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/oubliette/sandbox"
)

// MockCommandRunner implements sandbox.CommandRunner for testing
type MockCommandRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	args     []string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.args = args
	return m.stdout, m.stderr, m.exitCode, m.err
}

const banditOutput = `{
  "errors": [],
  "results": [
    {"issue_severity": "LOW", "issue_text": "Use of assert detected.", "line_number": 3, "test_id": "B101"},
    {"issue_severity": "MEDIUM", "issue_text": "Pickle can be unsafe.", "line_number": 7, "test_id": "B301"},
    {"issue_severity": "HIGH", "issue_text": "Use of exec detected.", "line_number": 9, "test_id": "B102"}
  ]
}`

func TestBanditAnalyzer(t *testing.T) {
	ctx := context.Background()

	t.Run("filters by severity", func(t *testing.T) {
		runner := &MockCommandRunner{stdout: banditOutput, exitCode: 1}
		findings, err := NewBanditAnalyzer(runner, "bandit", SeverityMedium).Analyze(ctx, "/work/script.py")
		require.NoError(t, err)
		require.Len(t, findings, 2)
		assert.Equal(t, Finding{Severity: SeverityMedium, Line: 7, Source: "bandit B301", Message: "Pickle can be unsafe."}, findings[0])
		assert.Equal(t, SeverityHigh, findings[1].Severity)
		assert.Equal(t, []string{"bandit", "-f", "json", "-q", "/work/script.py"}, runner.args)
	})

	t.Run("no issues", func(t *testing.T) {
		runner := &MockCommandRunner{stdout: `{"errors": [], "results": []}`}
		findings, err := NewBanditAnalyzer(runner, "bandit", SeverityLow).Analyze(ctx, "script.py")
		require.NoError(t, err)
		assert.Empty(t, findings)
	})

	t.Run("scan errors", func(t *testing.T) {
		runner := &MockCommandRunner{stdout: `{"errors": [{"filename": "script.py", "reason": "syntax error while parsing AST from file"}], "results": []}`}
		_, err := NewBanditAnalyzer(runner, "bandit", SeverityLow).Analyze(ctx, "script.py")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "syntax error")
	})

	t.Run("tool failure", func(t *testing.T) {
		runner := &MockCommandRunner{stderr: "usage: bandit", exitCode: 2}
		_, err := NewBanditAnalyzer(runner, "bandit", SeverityLow).Analyze(ctx, "script.py")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code 2")
	})

	t.Run("not installed", func(t *testing.T) {
		runner := &MockCommandRunner{err: exec.ErrNotFound}
		_, err := NewBanditAnalyzer(runner, "bandit", SeverityLow).Analyze(ctx, "script.py")
		assert.ErrorIs(t, err, exec.ErrNotFound)
	})

	t.Run("garbage output", func(t *testing.T) {
		runner := &MockCommandRunner{stdout: "not json"}
		_, err := NewBanditAnalyzer(runner, "bandit", SeverityLow).Analyze(ctx, "script.py")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse bandit report")
	})
}

func TestASTAnalyzerWithMockRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("flags forbidden imports", func(t *testing.T) {
		runner := &MockCommandRunner{stdout: `{"imports": [{"module": "os", "line": 1}, {"module": "ctypes.util", "line": 2}]}` + "\n"}
		findings, err := NewASTAnalyzer(runner, "python3", DefaultPolicy()).Analyze(ctx, "script.py")
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, "forbidden import 'ctypes.util'", findings[0].Message)
		assert.Equal(t, 2, findings[0].Line)
		assert.Equal(t, []string{"python3", "-I", "-S", "-c"}, runner.args[:4])
		assert.Equal(t, "script.py", runner.args[5])
	})

	t.Run("syntax errors are findings", func(t *testing.T) {
		runner := &MockCommandRunner{stdout: `{"error": "syntax error: invalid syntax", "line": 4}`}
		findings, err := NewASTAnalyzer(runner, "python3", DefaultPolicy()).Analyze(ctx, "script.py")
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, SeverityHigh, findings[0].Severity)
		assert.Equal(t, 4, findings[0].Line)
	})

	t.Run("interpreter failure", func(t *testing.T) {
		runner := &MockCommandRunner{exitCode: 1, stderr: "Traceback"}
		_, err := NewASTAnalyzer(runner, "python3", DefaultPolicy()).Analyze(ctx, "script.py")
		require.Error(t, err)
	})

	t.Run("runner error", func(t *testing.T) {
		runner := &MockCommandRunner{err: errors.New("boom")}
		_, err := NewASTAnalyzer(runner, "python3", DefaultPolicy()).Analyze(ctx, "script.py")
		require.Error(t, err)
	})
}

func TestASTAnalyzerWithPython(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	analyzer := NewASTAnalyzer(sandbox.RealCommandRunner{}, python, DefaultPolicy())

	findings, err := analyzer.Analyze(context.Background(), writeScript(t, "import os\nif True:\n    from shutil import rmtree\n"))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 3, findings[0].Line)
	assert.True(t, strings.Contains(findings[0].Message, "shutil"))

	findings, err = analyzer.Analyze(context.Background(), writeScript(t, "def train(:\n"))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Message, "syntax error")
}
