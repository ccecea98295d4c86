// Package security implements the pre-execution gate for untrusted scripts.
//
// The Gate combines pluggable static analyzers (bandit, a python-ast import
// lister) with an in-process import scanner and produces a Verdict. A script
// with any blocking finding, or one the gate cannot evaluate, is rejected before
// anything runs.
//
// Usage:
//
//	gate := security.NewGate(logger, security.DefaultPolicy(),
//	    security.WithAnalyzers(security.NewBanditAnalyzer(runner, "bandit", security.SeverityMedium)))
//	verdict := gate.Evaluate(ctx, "/app/user_model.py")
//	if !verdict.Passed {
//	    return verdict.Err()
//	}
package security
