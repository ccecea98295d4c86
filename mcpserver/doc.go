// Package mcpserver exposes the sandbox over the Model Context Protocol.
//
// The server registers one tool, run_sandboxed_job. Each call writes the
// submitted script into a fresh workspace, optionally unpacks a tar.gz
// dataset under the data root, and runs the job through the pipeline with
// its own output directory. The reply carries the result-protocol output,
// the success metrics and a tar.gz of the output directory. Staged scripts
// and datasets are removed when the call returns.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, runner)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
