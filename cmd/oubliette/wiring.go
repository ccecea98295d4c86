package main

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/oubliette/config"
	"github.com/isdmx/oubliette/logger"
	"github.com/isdmx/oubliette/metrics"
	"github.com/isdmx/oubliette/pathguard"
	"github.com/isdmx/oubliette/pipeline"
	"github.com/isdmx/oubliette/queue"
	"github.com/isdmx/oubliette/sandbox"
	"github.com/isdmx/oubliette/security"
)

// core provides everything needed to run a job through the pipeline.
func core(configPath string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*config.Config, error) { return config.New(configPath) },
			logger.NewFromConfig,
			metrics.NewCollector,
			newGate,
			newValidator,
			newExecutor,
			newRunner,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

func newGate(cfg *config.Config, log *zap.Logger) *security.Gate {
	policy := cfg.Policy()
	runner := sandbox.RealCommandRunner{}

	var analyzers []security.Analyzer
	if cfg.Security.Bandit.Enabled {
		analyzers = append(analyzers, security.NewBanditAnalyzer(runner, cfg.Security.Bandit.Command, cfg.MinSeverity()))
	}
	if cfg.Security.AST.Enabled {
		analyzers = append(analyzers, security.NewASTAnalyzer(runner, cfg.Worker.Python, policy))
	}
	return security.NewGate(log, policy,
		security.WithAnalyzers(analyzers...),
		security.WithMinSeverity(cfg.MinSeverity()))
}

func newValidator(cfg *config.Config, log *zap.Logger) *pathguard.Validator {
	limits := cfg.JobLimits()
	return pathguard.NewValidator(log, cfg.PathGuard(), pathguard.DatasetLimits{
		MaxFiles: limits.MaxDatasetFiles,
		MaxBytes: limits.MaxDatasetBytes,
	})
}

func newExecutor(cfg *config.Config, log *zap.Logger) *sandbox.Executor {
	engine := sandbox.NewEngine(log, cfg.JobLimits(), sandbox.EngineConfig{
		Python: cfg.Worker.Python,
		Seed:   cfg.Worker.Seed,
	})
	return sandbox.NewExecutor(engine, sandbox.NewSupervisor(log, cfg.Worker.GracePeriod))
}

func newRunner(
	cfg *config.Config,
	log *zap.Logger,
	gate *security.Gate,
	validator *pathguard.Validator,
	executor *sandbox.Executor,
	collector *metrics.Collector,
) *pipeline.Runner {
	return pipeline.NewRunner(log, gate, validator, executor, cfg.JobLimits(),
		pipeline.WithRecorder(collector),
		pipeline.WithAudit(cfg.Audit.Enabled))
}

func newRedisClient(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newConsumer(cfg *config.Config, log *zap.Logger, client *redis.Client, runner *pipeline.Runner) *queue.Consumer {
	return queue.NewConsumer(log, client, runner, cfg.JobLimits(), queue.Config{
		Name:        cfg.Queue.Name,
		KeyPrefix:   cfg.Queue.KeyPrefix,
		Concurrency: cfg.Queue.Concurrency,
		ResultTTL:   cfg.Queue.ResultTTL,
		PollTimeout: cfg.Queue.PollTimeout,
		LogChannel:  cfg.Queue.LogChannel,
	})
}

// serveMetrics exposes the collector on metrics.listen for the app's lifetime.
func serveMetrics(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, collector *metrics.Collector, log *zap.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := collector.Serve(ctx, cfg.Metrics.Listen); err != nil {
					log.Error("metrics server failed", zap.Error(err))
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
				return errors.New("metrics server did not stop in time")
			}
		},
	})
}
