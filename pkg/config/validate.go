package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be >= 0, got %d", c.Server.MaxBodySize))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	switch c.Provider.Type {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("provider.type must be \"ollama\" or \"openai\", got %q", c.Provider.Type))
	}
	if c.Provider.URL == "" {
		errs = append(errs, errors.New("provider.url is required"))
	}

	if c.Generation.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("generation.timeout must be > 0, got %s", c.Generation.Timeout))
	}
	if t := c.Generation.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("generation.temperature must be between 0 and 2, got %g", *t))
	}
	if c.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_tokens must be >= 0, got %d", c.Generation.MaxTokens))
	}

	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout must be > 0, got %s", c.Sandbox.Timeout))
	}
	if c.Sandbox.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_concurrent must be >= 0, got %d", c.Sandbox.MaxConcurrent))
	}
	switch c.Sandbox.Mode {
	case "inprocess", "subprocess":
	case "remote":
		if c.Sandbox.Remote.URL == "" {
			errs = append(errs, errors.New("sandbox.remote.url is required when sandbox.mode is \"remote\""))
		}
	case "kubernetes":
		if c.Sandbox.Kubernetes.Template == "" {
			errs = append(errs, errors.New("sandbox.kubernetes.template is required when sandbox.mode is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.mode must be \"inprocess\", \"subprocess\", \"remote\" or \"kubernetes\", got %q", c.Sandbox.Mode))
	}

	switch c.Storage.Type {
	case "memory":
		if c.Storage.MaxSize < 0 {
			errs = append(errs, fmt.Errorf("storage.max_size must be >= 0, got %d", c.Storage.MaxSize))
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, errors.New("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\" or \"sqlite\", got %q", c.Storage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\" or \"jwt\", got %q", c.Auth.Type))
	}

	switch c.Observability.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.exporter must be \"none\" or \"stdout\", got %q", c.Observability.Tracing.Exporter))
	}
	if r := c.Observability.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_ratio must be within [0,1], got %g", r))
	}

	return errors.Join(errs...)
}
