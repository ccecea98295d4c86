// Package logger builds the zap logger shared by every component.
//
// All output goes to stderr: stdout carries the result protocol.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	log.Info("job admitted", zap.String("job_id", id))
package logger
