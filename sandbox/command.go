package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// maxCommandOutput bounds each captured stream of a helper command.
const maxCommandOutput = 8 << 20

// ErrNoCommand is returned when RunCommand receives no arguments.
var ErrNoCommand = errors.New("no command provided")

// CommandRunner runs helper tools (bandit, the python AST helper) on behalf of
// the security gate.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner runs commands with os/exec. Each output stream is
// truncated at 8 MiB.
type RealCommandRunner struct{}

// RunCommand executes args[0] with the remaining arguments. A non-zero exit
// status is reported through exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) == 0 {
		return "", "", 0, ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments come from configuration
	outBuf := &cappedBuffer{max: maxCommandOutput}
	errBuf := &cappedBuffer{max: maxCommandOutput}
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, err
		}
		exitCode = exitErr.ExitCode()
	}
	return outBuf.String(), errBuf.String(), exitCode, nil
}

// cappedBuffer keeps the first max bytes written and discards the rest while
// still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
