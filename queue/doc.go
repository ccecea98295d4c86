// Package queue feeds jobs from a Redis list into the pipeline.
//
// Producers push JSON messages onto the list named by Config.Name. Each of the
// Consumer's loops pops one message at a time with BLPOP, runs it to
// completion and records its progress in a hash at <prefix>:job:<id>:
//
//	QUEUED -> RUNNING -> COMPLETED | FAILED
//
// Finished hashes expire after Config.ResultTTL. When Config.LogChannel is set
// the worker's console output is published there line by line as
// {"jobId": ..., "text": ...}.
package queue
