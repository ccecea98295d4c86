// Package protocol writes and reads the line protocol a run reports on stdout.
//
// A successful run ends with a single payload line
//
//	__METRICS_START__{"accuracy":0.9,"_system_status":"success","_elapsed_seconds":12}__METRICS_END__
//
// and a failed run with one or more lines prefixed by __SECURE_ERROR__, the
// first of which is "<CATEGORY>: <message>". Script output may precede either,
// so readers should use Parse, which returns the last report in the stream.
package protocol
