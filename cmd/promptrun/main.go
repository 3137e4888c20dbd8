// Command promptrun drives the prompt-to-execution pipeline from a terminal.
//
// It builds the same engine as the server from the same configuration
// (--config, PROMPTRUN_CONFIG, ./config.yaml) but keeps no run history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/promptrun/pkg/compiler"
	"github.com/rhuss/promptrun/pkg/config"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/engine"
	"github.com/rhuss/promptrun/pkg/generate"
	"github.com/rhuss/promptrun/pkg/provider"
	"github.com/rhuss/promptrun/pkg/provider/ollama"
	"github.com/rhuss/promptrun/pkg/provider/openaicompat"
	"github.com/rhuss/promptrun/pkg/sandbox"
	"github.com/rhuss/promptrun/pkg/sandbox/remote"
)

var (
	version     = "dev"
	configPath  string
	modelName   string
	allowUnsafe bool
	sandboxURL  string
)

var rootCmd = &cobra.Command{
	Use:   "promptrun",
	Short: "promptrun - generate, compile and run Go programs from prompts",
	Long: `promptrun turns a natural language prompt into a Go program and runs it
in a sandbox.

  promptrun workflow "print the first ten primes"   Generate, compile and run
  promptrun generate "a fizzbuzz program"           Stream the model output
  promptrun compile main.go                         Check a file against the trust set
  promptrun run main.go                             Compile and run a file
  promptrun shell                                   Interactive session`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// execCmd is the child side of the subprocess sandbox.
var execCmd = &cobra.Command{
	Use:    "exec",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return remote.ServeChild(cmd.Context(), os.Stdin, os.Stdout, func(timeout time.Duration) sandbox.Runner {
			return sandbox.NewInterpreter(sandbox.Config{Timeout: timeout, Isolated: true})
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("PROMPTRUN_CONFIG", ""), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "", "model to generate with (default from config)")
	rootCmd.PersistentFlags().BoolVar(&allowUnsafe, "allow-unsafe", false, "permit the unsafe package if the config allows it")
	rootCmd.PersistentFlags().StringVar(&sandboxURL, "sandbox", envOr("PROMPTRUN_SANDBOX_URL", ""), "run programs on this sandbox-server instead of in process")
	rootCmd.AddCommand(execCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openEngine builds the pipeline for one command invocation. Tests replace it.
var openEngine = func() (*engine.Engine, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     os.Stderr,
	})
	return buildEngine(cfg, sandboxURL)
}

func buildEngine(cfg *config.Config, sandboxURL string) (*engine.Engine, func(), error) {
	prov, err := newProvider(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	gen, err := generate.New(prov, generate.Config{
		Model:        cfg.Generation.Model,
		SystemPrompt: cfg.Generation.SystemPrompt,
		Timeout:      cfg.Generation.Timeout,
		Temperature:  cfg.Generation.Temperature,
		MaxTokens:    cfg.Generation.MaxTokens,
	})
	if err != nil {
		prov.Close()
		return nil, nil, err
	}
	runner, err := newRunner(cfg.Sandbox, cfg.Compiler, sandboxURL)
	if err != nil {
		prov.Close()
		return nil, nil, err
	}
	var c *compiler.Compiler
	if len(cfg.Compiler.Packages) > 0 {
		c = compiler.New(compiler.WithPackages(cfg.Compiler.Packages))
	} else {
		c = compiler.New()
	}
	eng, err := engine.New(gen, c, runner, nil, engine.Config{AllowUnsafe: cfg.Compiler.AllowUnsafe})
	if err != nil {
		prov.Close()
		return nil, nil, err
	}
	return eng, func() { prov.Close() }, nil
}

func newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Type {
	case "ollama":
		return ollama.New(ollama.Config{BaseURL: cfg.URL, Timeout: cfg.Timeout, KeepAlive: cfg.KeepAlive}), nil
	case "openai":
		return openaicompat.New(openaicompat.Config{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
			Models:  cfg.Models,
		})
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}

// newRunner supports the sandbox modes that make sense for a single user.
// An explicit sandbox URL wins over the configured mode.
func newRunner(cfg config.SandboxConfig, cc config.CompilerConfig, url string) (sandbox.Runner, error) {
	if url != "" {
		return remote.NewRunner(remote.StaticAcquirer{URL: url}, nil, cfg.Timeout), nil
	}
	switch cfg.Mode {
	case "inprocess":
		return sandbox.NewInterpreter(sandbox.Config{
			Timeout:   cfg.Timeout,
			MaxOutput: cfg.MaxOutput,
			Packages:  cc.Packages,
		}), nil
	case "subprocess", "":
		cmd := cfg.Subprocess.Command
		if len(cmd) == 0 {
			self, err := remote.SelfCommand("exec")
			if err != nil {
				return nil, err
			}
			cmd = self
		}
		return &remote.Subprocess{Command: cmd, Timeout: cfg.Timeout, Grace: cfg.Subprocess.Grace}, nil
	case "remote":
		return remote.NewRunner(remote.StaticAcquirer{URL: cfg.Remote.URL}, nil, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("sandbox mode %q is not available from the CLI", cfg.Mode)
}

func promptArg(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
