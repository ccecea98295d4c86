package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealCommandRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	runner := RealCommandRunner{}

	t.Run("captures output and exit code", func(t *testing.T) {
		stdout, stderr, code, err := runner.RunCommand(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"})
		require.NoError(t, err)
		assert.Equal(t, "out\n", stdout)
		assert.Equal(t, "err\n", stderr)
		assert.Equal(t, 3, code)
	})

	t.Run("missing binary is an error", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(context.Background(), []string{"/nonexistent/oubliette-helper"})
		assert.Error(t, err)
	})

	t.Run("no arguments", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoCommand)
	})
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = b.Write([]byte(strings.Repeat("x", 10)))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "abcde", b.String())
}
