package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/metrics"
	"github.com/isdmx/oubliette/outcome"
	"github.com/isdmx/oubliette/pathguard"
	"github.com/isdmx/oubliette/protocol"
	"github.com/isdmx/oubliette/security"
)

// Gate decides whether a script may run.
type Gate interface {
	Evaluate(ctx context.Context, scriptPath string) security.Verdict
}

// PathValidator enforces the filesystem boundaries.
type PathValidator interface {
	ValidateOutputPath(path string) error
	ValidateInputPath(path string) error
	ScanDataset(ctx context.Context, path string) (pathguard.DatasetStats, error)
}

// Executor runs an admitted job to its outcome.
type Executor interface {
	Execute(ctx context.Context, req job.Request, deadline time.Duration, stdout, stderr io.Writer) outcome.Outcome
}

// Recorder receives run statistics.
type Recorder interface {
	RecordRun(mode, status string, duration time.Duration)
	RecordRejection(stage string)
	WorkerStarted() func()
}

// Result is what a run produced.
type Result struct {
	Outcome outcome.Outcome
	// Payload is the augmented success mapping, nil on failure.
	Payload     map[string]any
	Elapsed     time.Duration
	ArtifactDir string
	// Admitted reports whether the job passed every pre-execution stage.
	Admitted bool
}

// ExitCode is the process exit status for the run.
func (r Result) ExitCode() int {
	return r.Outcome.ProcessExitCode()
}

// Runner wires the stages together. It is the only caller of the executor.
type Runner struct {
	logger    *zap.Logger
	gate      Gate
	validator PathValidator
	executor  Executor
	recorder  Recorder
	limits    job.Limits
	audit     bool
	now       func() time.Time
}

// Option defines a functional option for Runner
type Option func(*Runner)

// WithRecorder reports run statistics to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithAudit enables or disables the audit log and manifest.
func WithAudit(enabled bool) Option {
	return func(r *Runner) {
		r.audit = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner. Audit artifacts are on by default.
func NewRunner(logger *zap.Logger, gate Gate, validator PathValidator, executor Executor, limits job.Limits, opts ...Option) *Runner {
	r := &Runner{
		logger:    logger,
		gate:      gate,
		validator: validator,
		executor:  executor,
		recorder:  nopRecorder{},
		limits:    limits,
		audit:     true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run takes req through every stage and reports the result on stdout in the
// result protocol. Worker stderr goes to stderr.
func (r *Runner) Run(ctx context.Context, req job.Request, stdout, stderr io.Writer) Result {
	start := r.now()
	log := r.logger.With(zap.String("job_id", req.ID()), zap.String("mode", string(req.Mode())))

	if err := r.admit(ctx, req, log); err != nil {
		res := Result{Outcome: outcome.FromError(err), Elapsed: r.now().Sub(start)}
		r.report(stdout, req.Mode(), &res, log)
		return res
	}

	dir := protocol.ArtifactDir(req.OutputPath())
	res := Result{ArtifactDir: dir, Admitted: true}

	var audit *auditLog
	var auditFile *os.File
	if r.audit {
		var err error
		auditFile, err = openAuditLog(dir)
		if err != nil {
			log.Warn("audit log unavailable", zap.Error(err))
		} else {
			audit = newAuditLog(auditFile, r.now)
			audit.Note("job %s started (mode %s)", req.ID(), req.Mode())
			stdout = io.MultiWriter(stdout, audit)
			stderr = io.MultiWriter(stderr, audit)
		}
	}

	deadline := r.limits.Deadline(req.MaxSeconds())
	log.Info("starting worker", zap.Duration("deadline", deadline))
	done := r.recorder.WorkerStarted()
	res.Outcome = r.executor.Execute(ctx, req, deadline, stdout, stderr)
	done()
	res.Elapsed = r.now().Sub(start)

	r.report(stdout, req.Mode(), &res, log)

	if res.Payload != nil {
		if err := protocol.PersistMetrics(dir, res.Payload); err != nil {
			log.Warn("failed to persist metrics", zap.Error(err))
		}
	}
	if audit != nil {
		audit.Note("job %s finished: %s", req.ID(), res.Outcome.Status())
		if err := auditFile.Close(); err != nil {
			log.Warn("failed to close audit log", zap.Error(err))
		}
		if err := r.seal(req, res); err != nil {
			log.Warn("failed to write manifest", zap.Error(err))
		}
	}
	return res
}

// admit runs the pre-execution stages in order and stops at the first rejection.
func (r *Runner) admit(ctx context.Context, req job.Request, log *zap.Logger) error {
	verdict := r.gate.Evaluate(ctx, req.ScriptPath())
	if err := verdict.Err(); err != nil {
		r.reject(metrics.StageSecurity, err, log)
		return err
	}
	if err := r.validator.ValidateOutputPath(req.OutputPath()); err != nil {
		r.reject(metrics.StagePath, err, log)
		return err
	}
	if err := r.validator.ValidateInputPath(req.DatasetPath()); err != nil {
		r.reject(metrics.StagePath, err, log)
		return err
	}
	stats, err := r.validator.ScanDataset(ctx, req.DatasetPath())
	if err != nil {
		r.reject(metrics.StageDataset, err, log)
		return err
	}
	log.Debug("job admitted", zap.Stringer("dataset", stats))
	return nil
}

func (r *Runner) reject(stage string, err error, log *zap.Logger) {
	r.recorder.RecordRejection(stage)
	log.Warn("job rejected", zap.String("stage", stage), zap.Error(err))
}

func (r *Runner) report(stdout io.Writer, mode job.Mode, res *Result, log *zap.Logger) {
	payload, err := protocol.Write(stdout, res.Outcome, res.Elapsed)
	if err != nil {
		log.Error("failed to write result", zap.Error(err))
	}
	if payload == nil && res.Outcome.Succeeded() {
		// The metrics could not be encoded, so the run is reported as failed.
		res.Outcome = outcome.Failure(outcome.CategoryInternal, "failed to encode metrics", "")
	}
	res.Payload = payload

	r.recorder.RecordRun(string(mode), res.Outcome.Status(), res.Elapsed)
	if res.Outcome.Succeeded() {
		log.Info("job succeeded", zap.Duration("elapsed", res.Elapsed))
	} else {
		log.Warn("job failed",
			zap.String("category", string(res.Outcome.Category)),
			zap.String("message", res.Outcome.Message),
			zap.Duration("elapsed", res.Elapsed))
	}
}

func (r *Runner) seal(req job.Request, res Result) error {
	m := Manifest{
		JobID:          req.ID(),
		Timestamp:      r.now().UTC(),
		Mode:           string(req.Mode()),
		Dataset:        req.DatasetPath(),
		Status:         res.Outcome.Status(),
		ExitCode:       res.ExitCode(),
		ElapsedSeconds: int64(res.Elapsed / time.Second),
		AuditLog:       AuditLogFile,
	}
	var errs error
	if sum, err := FileSHA256(req.ScriptPath()); err == nil {
		m.ScriptSHA256 = sum
	} else {
		errs = multierr.Append(errs, err)
	}
	if sum, err := FileSHA256(filepath.Join(res.ArtifactDir, AuditLogFile)); err == nil {
		m.AuditLogSHA256 = sum
	} else {
		errs = multierr.Append(errs, err)
	}
	return multierr.Append(errs, WriteManifest(res.ArtifactDir, m))
}

func openAuditLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, AuditLogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // artifacts are meant to be readable
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(string, string, time.Duration) {}
func (nopRecorder) RecordRejection(string)                  {}
func (nopRecorder) WorkerStarted() func()                   { return func() {} }
