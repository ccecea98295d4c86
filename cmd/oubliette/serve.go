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
	"github.com/isdmx/oubliette/mcpserver"
	"github.com/isdmx/oubliette/pipeline"
)

// serveCommand runs the MCP server until it is interrupted or its transport closes.
func serveCommand(args []string, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	configPath := fs.String("config", "", "configuration file")
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		return exitFailure
	}

	app := fx.New(
		core(*configPath),
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger, runner *pipeline.Runner) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log, runner)
			},
		),
		fx.Invoke(serveMetrics, startMCPServer),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	app.Run()
	return exitSuccess
}

func startMCPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, server *mcpserver.MCPServer, log *zap.Logger) error {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = server.ServeHTTP
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := exitSuccess
				if err := serve(); err != nil {
					log.Error("MCP server stopped", zap.Error(err))
					code = exitFailure
				}
				_ = shutdowner.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
	return nil
}
