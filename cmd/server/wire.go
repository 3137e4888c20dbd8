package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	k8sconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/promptrun/pkg/auth"
	"github.com/rhuss/promptrun/pkg/auth/apikey"
	"github.com/rhuss/promptrun/pkg/auth/jwt"
	"github.com/rhuss/promptrun/pkg/compiler"
	"github.com/rhuss/promptrun/pkg/config"
	"github.com/rhuss/promptrun/pkg/generate"
	"github.com/rhuss/promptrun/pkg/provider"
	"github.com/rhuss/promptrun/pkg/provider/ollama"
	"github.com/rhuss/promptrun/pkg/provider/openaicompat"
	"github.com/rhuss/promptrun/pkg/sandbox"
	"github.com/rhuss/promptrun/pkg/sandbox/kubernetes"
	"github.com/rhuss/promptrun/pkg/sandbox/remote"
	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/storage/memory"
	"github.com/rhuss/promptrun/pkg/storage/postgres"
	"github.com/rhuss/promptrun/pkg/storage/sqlite"
)

// childRunner serves "server exec". Trust-set overrides do not reach the
// child; it compiles with the default set.
func childRunner(timeout time.Duration) sandbox.Runner {
	return sandbox.NewInterpreter(sandbox.Config{Timeout: timeout, Isolated: true})
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

func newGenerator(cfg *config.Config) (*generate.Generator, func(), error) {
	prov, err := newProvider(cfg.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("creating provider: %w", err)
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
	return gen, func() { prov.Close() }, nil
}

func newCompiler(cfg config.CompilerConfig) *compiler.Compiler {
	if len(cfg.Packages) > 0 {
		return compiler.New(compiler.WithPackages(cfg.Packages))
	}
	return compiler.New()
}

func newStore(ctx context.Context, cfg config.StorageConfig) (storage.RunStore, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "migrate", cfg.Postgres.MigrateOnStart)
		return s, nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		slog.Info("storage enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// newRunner builds the execution backend for the configured sandbox mode.
func newRunner(cfg config.SandboxConfig, cc config.CompilerConfig) (sandbox.Runner, error) {
	switch cfg.Mode {
	case "inprocess":
		return sandbox.NewInterpreter(sandbox.Config{
			Timeout:       cfg.Timeout,
			MaxConcurrent: cfg.MaxConcurrent,
			MaxOutput:     cfg.MaxOutput,
			GCAfterRun:    cfg.GCAfterRun,
			Packages:      cc.Packages,
		}), nil
	case "subprocess":
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
	case "kubernetes":
		c, err := newKubeClient()
		if err != nil {
			return nil, err
		}
		acq := kubernetes.NewClaimAcquirer(c, kubernetes.Options{
			Template:     cfg.Kubernetes.Template,
			Namespace:    cfg.Kubernetes.Namespace,
			ReadyTimeout: cfg.Kubernetes.ReadyTimeout,
			Port:         cfg.Kubernetes.Port,
		})
		return remote.NewRunner(acq, nil, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
}

func newKubeClient() (client.Client, error) {
	restCfg, err := k8sconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return c, nil
}

// newAuthMiddleware builds the authentication chain and rate limiter.
func newAuthMiddleware(cfg config.AuthConfig, metricsPath string) (func(http.Handler) http.Handler, error) {
	chain := &auth.Chain{}
	switch cfg.Type {
	case "none":
		chain.AllowAnonymous = true
	case "apikey":
		entries := make([]apikey.Entry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			entries = append(entries, apikey.Entry{
				Key: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					TenantID:    k.TenantID,
					ServiceTier: k.ServiceTier,
				},
			})
		}
		a := apikey.New(entries)
		if a.Len() == 0 {
			return nil, fmt.Errorf("auth type apikey needs at least one key")
		}
		chain.Authenticators = append(chain.Authenticators, a)
	case "jwt":
		chain.Authenticators = append(chain.Authenticators, jwt.New(jwt.Config{
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			JWKSURL:     cfg.JWT.JWKSURL,
			UserClaim:   cfg.JWT.UserClaim,
			TenantClaim: cfg.JWT.TenantClaim,
			CacheTTL:    cfg.JWT.CacheTTL,
		}))
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}

	var limiter auth.RateLimiter
	if cfg.RateLimit.DefaultRPM > 0 || len(cfg.RateLimit.Tiers) > 0 {
		limiter = auth.NewTierLimiter(cfg.RateLimit.DefaultRPM, cfg.RateLimit.Tiers)
	}

	bypass := slices.Clone(auth.DefaultBypass)
	if metricsPath != "" && !slices.Contains(bypass, metricsPath) {
		bypass = append(bypass, strings.TrimSuffix(metricsPath, "/"))
	}
	return auth.Middleware(chain, limiter, bypass), nil
}
