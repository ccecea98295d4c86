// Package pathguard confines a run's filesystem reach before it starts.
//
// The Validator checks that the output path resolves inside the output root,
// that a single-file input has an allowed extension (and, in strict mode, lives
// under the data root) and that a dataset directory stays within the file count
// and byte ceilings. Every rejection is an *outcome.Error tagged
// PATH_VIOLATION or DATASET_VIOLATION.
package pathguard
