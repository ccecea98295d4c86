package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/oubliette/config"
	"github.com/isdmx/oubliette/queue"
)

// workerCommand consumes the Redis queue until interrupted.
func workerCommand(args []string, stderr io.Writer) int {
	fs := newFlagSet("worker", stderr)
	configPath := fs.String("config", "", "configuration file")
	concurrency := fs.Int("concurrency", 0, "concurrent jobs (overrides queue.concurrency)")
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		return exitFailure
	}

	app := fx.New(
		core(*configPath),
		fx.Decorate(func(cfg *config.Config) *config.Config {
			if *concurrency > 0 {
				cfg.Queue.Concurrency = *concurrency
			}
			return cfg
		}),
		fx.Provide(newRedisClient, newConsumer),
		fx.Invoke(serveMetrics, startConsumer),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	app.Run()
	return exitSuccess
}

func startConsumer(lc fx.Lifecycle, shutdowner fx.Shutdowner, consumer *queue.Consumer, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Run(ctx); err != nil {
					log.Error("queue consumer failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(exitFailure))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return errors.New("queue consumer did not stop in time")
			}
		},
	})
}
