// Command sandbox-server runs Go programs for remote promptrun runners.
// Each execution happens in a child process of this binary
// ("sandbox-server exec"), which is killed when it overruns its timeout.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_TIMEOUT        - Default execution timeout (default: 30s)
//	SANDBOX_MAX_TIMEOUT    - Largest timeout a client may ask for (default: 5m)
//	SANDBOX_ISOLATION      - "subprocess" or "inprocess" (default: subprocess)
//	SANDBOX_LOG_FORMAT     - "text" or "json" (default: text)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/sandbox"
	"github.com/rhuss/promptrun/pkg/sandbox/remote"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "exec" {
		if err := remote.ServeChild(context.Background(), os.Stdin, os.Stdout, childInterpreter); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	debug.Init(debug.Options{Format: envOr("SANDBOX_LOG_FORMAT", "text")})
	if err := run(); err != nil {
		slog.Error("sandbox server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	factory, err := runnerFactory(envOr("SANDBOX_ISOLATION", "subprocess"))
	if err != nil {
		return err
	}

	srv := remote.NewServer(cfg, factory)
	port := envOr("SANDBOX_PORT", "8080")
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sandbox server starting", "port", port, "max_concurrent", cfg.MaxConcurrent, "timeout", cfg.DefaultTimeout)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadConfig() (remote.ServerConfig, error) {
	var cfg remote.ServerConfig
	var err error
	if cfg.MaxConcurrent, err = envInt("SANDBOX_MAX_CONCURRENT", 3); err != nil {
		return cfg, err
	}
	if cfg.DefaultTimeout, err = envDuration("SANDBOX_TIMEOUT", sandbox.DefaultTimeout); err != nil {
		return cfg, err
	}
	if cfg.MaxTimeout, err = envDuration("SANDBOX_MAX_TIMEOUT", 5*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func interpreter(timeout time.Duration) sandbox.Runner {
	return sandbox.NewInterpreter(sandbox.Config{Timeout: timeout})
}

// childInterpreter runs inside a process that exists for one request.
func childInterpreter(timeout time.Duration) sandbox.Runner {
	return sandbox.NewInterpreter(sandbox.Config{Timeout: timeout, Isolated: true})
}

// runnerFactory picks how each request is executed. Subprocess isolation
// re-executes this binary so a runaway program can be killed.
func runnerFactory(isolation string) (remote.RunnerFactory, error) {
	switch isolation {
	case "inprocess":
		return interpreter, nil
	case "subprocess":
		cmd, err := remote.SelfCommand("exec")
		if err != nil {
			return nil, err
		}
		return func(timeout time.Duration) sandbox.Runner {
			return &remote.Subprocess{Command: cmd, Timeout: timeout, Grace: remote.DefaultGrace}
		}, nil
	}
	return nil, fmt.Errorf("SANDBOX_ISOLATION must be subprocess or inprocess, got %q", isolation)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
