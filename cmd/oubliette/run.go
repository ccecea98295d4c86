package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/oubliette/config"
	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/metrics"
	"github.com/isdmx/oubliette/outcome"
	"github.com/isdmx/oubliette/pipeline"
	"github.com/isdmx/oubliette/protocol"
)

// jobFlags are the flags describing one job, shared by run and submit.
type jobFlags struct {
	script      string
	dataset     string
	savePath    string
	datasetType string
	params      string
	maxSeconds  int
	mode        string
	gpuID       string
	configPath  string
}

func (f *jobFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.script, "script", "", "path of the Python script to run (required)")
	fs.StringVar(&f.dataset, "dataset", "", "dataset file or directory (required)")
	fs.StringVar(&f.savePath, "save-path", "", "output location for artifacts (required)")
	fs.StringVar(&f.datasetType, "dataset-type", job.DefaultDatasetType, "dataset type hint passed to train")
	fs.StringVar(&f.params, "params", "{}", "hyperparameters as a JSON object")
	fs.IntVar(&f.maxSeconds, "max-seconds", job.DefaultMaxSeconds, "wall-clock limit in seconds, capped at the hard cap")
	fs.StringVar(&f.mode, "mode", string(job.ModeTrain), "entry point: train, agent or inference")
	fs.StringVar(&f.gpuID, "gpu-id", "", "GPU the job may use")
	fs.StringVar(&f.configPath, "config", "", "configuration file")
}

func (f *jobFlags) validate() error {
	var missing []string
	if f.script == "" {
		missing = append(missing, "--script")
	}
	if f.dataset == "" {
		missing = append(missing, "--dataset")
	}
	if f.savePath == "" {
		missing = append(missing, "--save-path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %v", missing)
	}
	return nil
}

func (f *jobFlags) request() (job.Request, error) {
	params, err := job.ParseParams(f.params)
	if err != nil {
		return job.Request{}, err
	}
	return job.New(job.Spec{
		ScriptPath:  f.script,
		DatasetPath: f.dataset,
		OutputPath:  f.savePath,
		Params:      params,
		DatasetType: f.datasetType,
		Mode:        job.Mode(f.mode),
		DeviceID:    f.gpuID,
		MaxSeconds:  f.maxSeconds,
	})
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// runCommand runs one job and reports it on stdout. The exit status is 0 only
// when the job succeeded.
func runCommand(args []string, stdout, stderr io.Writer) int {
	flags := &jobFlags{}
	fs := newFlagSet("run", stderr)
	flags.register(fs)
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		return exitFailure
	}
	if err := flags.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	req, err := flags.request()
	if err != nil {
		_ = protocol.WriteFailure(stdout, outcome.Failure(outcome.CategoryInternal, err.Error(), ""))
		return exitFailure
	}

	var (
		cfg       *config.Config
		log       *zap.Logger
		runner    *pipeline.Runner
		collector *metrics.Collector
	)
	app := fx.New(
		core(flags.configPath),
		fx.Populate(&cfg, &log, &runner, &collector),
	)
	if err := app.Err(); err != nil {
		_ = protocol.WriteFailure(stdout, outcome.Failure(outcome.CategoryInternal, err.Error(), ""))
		return exitFailure
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := runner.Run(ctx, req, stdout, stderr)

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			log.Warn("failed to write metrics textfile", zap.String("path", cfg.Metrics.Textfile), zap.Error(err))
		}
	}
	return res.ExitCode()
}
