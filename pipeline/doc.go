// Package pipeline runs one job through every stage: security gate, path and
// dataset validation, isolated execution and result reporting.
//
// Each stage is a hard gate. A rejection is reported in the result protocol
// and nothing is executed or written to the output directory. Once a job is
// admitted the Runner keeps a timestamped audit log of the worker's console
// output next to the artifacts and seals it in manifest.json.
package pipeline
