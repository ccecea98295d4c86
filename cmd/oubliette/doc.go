// Package main is the entry point for oubliette, a sandboxed runner for
// untrusted Python training, agent and inference scripts.
//
// Every job passes a security gate, path and dataset validation, runs in a
// resource-limited worker process under a supervisor, and is reported on
// stdout in the result protocol. The exit status is 0 only when the job
// succeeded.
//
//	oubliette --script train.py --dataset /app/data --save-path /outputs/model
//	oubliette serve   # MCP tool run_sandboxed_job over stdio or HTTP
//	oubliette worker  # consume jobs from Redis
//	oubliette submit --script ... --dataset ... --save-path ...
//	oubliette config  # print the default configuration
//
// The binary is also the worker shim: the engine re-executes it with an
// environment marker, and main hands control to the sandbox before anything
// else runs.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
