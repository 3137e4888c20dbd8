// Command server runs the promptrun HTTP API.
//
// Configuration comes from a YAML file (--config, PROMPTRUN_CONFIG,
// ./config.yaml or /etc/promptrun/config.yaml) with PROMPTRUN_* environment
// overrides. See pkg/config for the full list.
//
// In subprocess sandbox mode the server re-executes itself as
//
//	server exec
//
// to run a single program read from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogotel "github.com/remychantenay/slog-otel"

	"github.com/rhuss/promptrun/pkg/config"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/engine"
	"github.com/rhuss/promptrun/pkg/mcpserver"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/sandbox/remote"
	transporthttp "github.com/rhuss/promptrun/pkg/transport/http"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "exec" {
		if err := remote.ServeChild(context.Background(), os.Stdin, os.Stdout, childRunner); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Wrap: func(h slog.Handler) slog.Handler {
			return slogotel.OtelHandler{Next: h}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingOptions{
		Exporter:    cfg.Observability.Tracing.Exporter,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		Version:     version,
		InstanceID:  hostname,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	gen, closeProvider, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing store failed", "error", err)
		}
	}()

	runner, err := newRunner(cfg.Sandbox, cfg.Compiler)
	if err != nil {
		return err
	}

	eng, err := engine.New(gen, newCompiler(cfg.Compiler), runner, store, engine.Config{
		AllowUnsafe: cfg.Compiler.AllowUnsafe,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts,
			transporthttp.WithHandler("GET "+cfg.Observability.Metrics.Path, promhttp.Handler()),
			transporthttp.WithHTTPMiddleware(observability.MetricsMiddleware),
		)
	}
	if cfg.MCP.Enabled {
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcpserver.New(eng, version).Handler()))
	}
	authMW, err := newAuthMiddleware(cfg.Auth, cfg.Observability.Metrics.Path)
	if err != nil {
		return err
	}
	opts = append(opts, transporthttp.WithHTTPMiddleware(authMW))

	srv := transporthttp.NewServer(eng, store, opts...)
	slog.Info("promptrun starting",
		"version", version,
		"port", cfg.Server.Port,
		"provider", cfg.Provider.Type,
		"model", cfg.Generation.Model,
		"sandbox", runner.Name(),
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
		"mcp", cfg.MCP.Enabled,
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
