// Package outcome defines the single terminal classification of a sandboxed run
// and the error taxonomy every stage reports through.
//
// Each stage converts what it detects into exactly one Outcome. Stage errors are
// carried as *Error values tagged with a Category so callers can match them with
// errors.As and map them to a greppable protocol marker.
package outcome
