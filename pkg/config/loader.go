package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "PROMPTRUN_CONFIG"

// Load builds the configuration from defaults, an optional YAML file,
// environment variables and secret files, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	if err := expandEnv(&cfg); err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// discoverConfigFile returns the first of: configPath, $PROMPTRUN_CONFIG,
// ./config.yaml, /etc/promptrun/config.yaml that applies, or "".
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	for _, p := range []string{"config.yaml", "/etc/promptrun/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadYAMLFile decodes path over cfg; absent keys keep their defaults.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// expandEnv substitutes ${VAR} references in endpoint and credential
// fields. Other fields, such as the system prompt, are taken literally.
func expandEnv(cfg *Config) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"provider.url", &cfg.Provider.URL},
		{"provider.api_key", &cfg.Provider.APIKey},
		{"sandbox.remote.url", &cfg.Sandbox.Remote.URL},
		{"storage.postgres.dsn", &cfg.Storage.Postgres.DSN},
		{"storage.sqlite.path", &cfg.Storage.SQLite.Path},
		{"auth.jwt.jwks_url", &cfg.Auth.JWT.JWKSURL},
	}
	for _, f := range fields {
		v, err := envsubst.EvalEnv(*f.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = v
	}
	for i := range cfg.Auth.APIKeys {
		v, err := envsubst.EvalEnv(cfg.Auth.APIKeys[i].Key)
		if err != nil {
			return fmt.Errorf("auth.api_keys[%d].key: %w", i, err)
		}
		cfg.Auth.APIKeys[i].Key = v
	}
	return nil
}

// applyEnvOverrides maps PROMPTRUN_* variables onto cfg. Malformed numbers
// and durations are errors rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"PROMPTRUN_LOG_LEVEL":        &cfg.Logging.Level,
		"PROMPTRUN_LOG_FORMAT":       &cfg.Logging.Format,
		"PROMPTRUN_DEBUG":            &cfg.Logging.Debug,
		"PROMPTRUN_PROVIDER":         &cfg.Provider.Type,
		"PROMPTRUN_PROVIDER_URL":     &cfg.Provider.URL,
		"PROMPTRUN_API_KEY":          &cfg.Provider.APIKey,
		"PROMPTRUN_MODEL":            &cfg.Generation.Model,
		"PROMPTRUN_SANDBOX_MODE":     &cfg.Sandbox.Mode,
		"PROMPTRUN_SANDBOX_URL":      &cfg.Sandbox.Remote.URL,
		"PROMPTRUN_SANDBOX_TEMPLATE": &cfg.Sandbox.Kubernetes.Template,
		"PROMPTRUN_STORAGE":          &cfg.Storage.Type,
		"PROMPTRUN_POSTGRES_DSN":     &cfg.Storage.Postgres.DSN,
		"PROMPTRUN_SQLITE_PATH":      &cfg.Storage.SQLite.Path,
		"PROMPTRUN_AUTH_TYPE":        &cfg.Auth.Type,
		"PROMPTRUN_TRACE_EXPORTER":   &cfg.Observability.Tracing.Exporter,
	}
	for name, ptr := range strs {
		if v := os.Getenv(name); v != "" {
			*ptr = v
		}
	}

	ints := map[string]*int{
		"PROMPTRUN_PORT":                   &cfg.Server.Port,
		"PROMPTRUN_STORAGE_SIZE":           &cfg.Storage.MaxSize,
		"PROMPTRUN_SANDBOX_MAX_CONCURRENT": &cfg.Sandbox.MaxConcurrent,
	}
	for name, ptr := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*ptr = n
		}
	}

	durations := map[string]*time.Duration{
		"PROMPTRUN_GENERATION_TIMEOUT": &cfg.Generation.Timeout,
		"PROMPTRUN_SANDBOX_TIMEOUT":    &cfg.Sandbox.Timeout,
	}
	for name, ptr := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*ptr = d
		}
	}

	bools := map[string]*bool{
		"PROMPTRUN_ALLOW_UNSAFE": &cfg.Compiler.AllowUnsafe,
		"PROMPTRUN_MCP_ENABLED":  &cfg.MCP.Enabled,
	}
	for name, ptr := range bools {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*ptr = b
		}
	}

	// PROMPTRUN_API_KEYS holds a JSON array of API key entries.
	if v := os.Getenv("PROMPTRUN_API_KEYS"); v != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			return fmt.Errorf("PROMPTRUN_API_KEYS: %w", err)
		}
		cfg.Auth.APIKeys = keys
	}
	return nil
}

// resolveFileReferences fills empty secret fields from their _file
// counterparts. File content is trimmed of surrounding whitespace.
func resolveFileReferences(cfg *Config) error {
	if cfg.Provider.APIKeyFile != "" && cfg.Provider.APIKey == "" {
		v, err := readSecretFile(cfg.Provider.APIKeyFile)
		if err != nil {
			return fmt.Errorf("provider.api_key_file: %w", err)
		}
		cfg.Provider.APIKey = v
	}
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		v, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = v
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		if k.KeyFile != "" && k.Key == "" {
			v, err := readSecretFile(k.KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			k.Key = v
		}
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
