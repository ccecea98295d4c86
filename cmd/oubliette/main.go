package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/isdmx/oubliette/config"
	"github.com/isdmx/oubliette/sandbox"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

const usage = `usage: oubliette [command] [flags]

commands:
  run      run one job and report on stdout (default)
  serve    serve the run_sandboxed_job MCP tool
  worker   consume jobs from the Redis queue
  submit   push a job onto the Redis queue
  config   print the default configuration

Run "oubliette <command> --help" for the flags of a command.
`

func main() {
	// The engine re-executes this binary as the worker shim.
	if sandbox.IsWorkerExec() {
		sandbox.ExecWorker()
	}
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

// dispatch runs the command named by args[0]. Flags without a command select run.
func dispatch(args []string, stdout, stderr io.Writer) int {
	name, rest := commandFor(args)
	switch name {
	case "run":
		return runCommand(rest, stdout, stderr)
	case "serve":
		return serveCommand(rest, stderr)
	case "worker":
		return workerCommand(rest, stderr)
	case "submit":
		return submitCommand(rest, stdout, stderr)
	case "config":
		if err := config.WriteDefault(stdout); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		return exitSuccess
	case "help":
		fmt.Fprint(stdout, usage)
		return exitSuccess
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return exitFailure
	}
}

func commandFor(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
			return "help", nil
		}
		return "run", args
	}
	return args[0], args[1:]
}
