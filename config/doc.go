// Package config provides application configuration management.
//
// Configuration is read from a YAML file, overridden by OUBLIETTE_-prefixed
// environment variables, and validated before use. Every key has a default,
// so an empty environment yields a working configuration for the standard
// container layout. Resource limits may only tighten the build-time ceilings
// in package job.
//
// Usage:
//
//	cfg, err := config.New("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	limits := cfg.JobLimits()
package config
