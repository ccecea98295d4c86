package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/oubliette/pipeline"
	"github.com/isdmx/oubliette/queue"
)

// submitCommand pushes one job onto the queue and prints its id.
func submitCommand(args []string, stdout, stderr io.Writer) int {
	flags := &jobFlags{}
	fs := newFlagSet("submit", stderr)
	flags.register(fs)
	datasetBytes := fs.Int64("dataset-bytes", 0, "dataset size used for the time budget when --max-seconds is 0")
	privileged := fs.Bool("privileged", false, "grant the maximum time budget when --max-seconds is 0")
	pin := fs.Bool("pin-script", true, "record the script checksum so the worker rejects modified scripts")
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
	// Validate the job locally before it reaches the queue.
	req, err := flags.request()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	msg := queue.Message{
		ID:           req.ID(),
		Script:       req.ScriptPath(),
		Dataset:      req.DatasetPath(),
		Output:       req.OutputPath(),
		Params:       req.Params(),
		DatasetType:  req.DatasetType(),
		Mode:         string(req.Mode()),
		GPUID:        req.DeviceID(),
		MaxSeconds:   flags.maxSeconds,
		DatasetBytes: *datasetBytes,
		Privileged:   *privileged,
	}
	if *pin {
		sum, err := pipeline.FileSHA256(req.ScriptPath())
		if err != nil {
			fmt.Fprintf(stderr, "cannot read script: %v\n", err)
			return exitFailure
		}
		msg.ScriptSHA256 = sum
	}

	var (
		consumer *queue.Consumer
		log      *zap.Logger
	)
	app := fx.New(
		core(flags.configPath),
		fx.Provide(newRedisClient, newConsumer),
		fx.Populate(&consumer, &log),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	defer func() { _ = app.Stop(context.Background()) }()

	id, err := consumer.Enqueue(ctx, msg)
	if err != nil {
		log.Error("submit failed", zap.Error(err))
		return exitFailure
	}
	fmt.Fprintln(stdout, id)
	return exitSuccess
}
