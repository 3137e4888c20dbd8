// Package config provides layered configuration for the promptrun server.
//
// Configuration is loaded in this order, later layers winning:
//  1. Built-in defaults
//  2. YAML config file (explicit path, PROMPTRUN_CONFIG, ./config.yaml,
//     /etc/promptrun/config.yaml)
//  3. ${VAR} expansion of credential and endpoint fields
//  4. PROMPTRUN_* environment overrides
//  5. _file secret references
//  6. Validation
package config

import "time"

// Config holds all promptrun server settings.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Provider      ProviderConfig      `yaml:"provider"`
	Generation    GenerationConfig    `yaml:"generation"`
	Compiler      CompilerConfig      `yaml:"compiler"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 5m, covers streamed runs
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodySize     int64         `yaml:"max_body_size"`    // bytes, default: 2 MiB
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // TRACE, DEBUG, INFO, WARN, ERROR
	Format string `yaml:"format"` // "text" or "json"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	Type       string        `yaml:"type"` // "ollama" or "openai"
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	APIKeyFile string        `yaml:"api_key_file"`
	Timeout    time.Duration `yaml:"timeout"`
	KeepAlive  string        `yaml:"keep_alive"` // ollama only
	Models     []string      `yaml:"models"`     // advertised models; empty accepts any
}

// GenerationConfig controls prompt-to-code generation.
type GenerationConfig struct {
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"` // default: 120s
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  *float64      `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
}

// CompilerConfig controls the trust set.
type CompilerConfig struct {
	AllowUnsafe bool     `yaml:"allow_unsafe"`
	Packages    []string `yaml:"packages"` // overrides the default trust set
}

// SandboxConfig selects and configures the execution runner.
type SandboxConfig struct {
	// Mode is "subprocess" (default), "inprocess", "remote" or "kubernetes".
	Mode          string           `yaml:"mode"`
	Timeout       time.Duration    `yaml:"timeout"` // default: 30s
	MaxConcurrent int              `yaml:"max_concurrent"`
	MaxOutput     int              `yaml:"max_output"`
	GCAfterRun    bool             `yaml:"gc_after_run"`
	Subprocess    SubprocessConfig `yaml:"subprocess"`
	Remote        RemoteConfig     `yaml:"remote"`
	Kubernetes    KubernetesConfig `yaml:"kubernetes"`
}

// SubprocessConfig configures the child-process runner.
type SubprocessConfig struct {
	// Command runs a child that serves one execution on stdin/stdout.
	// Empty re-executes the server binary.
	Command []string      `yaml:"command"`
	Grace   time.Duration `yaml:"grace"`
}

// RemoteConfig points at a static sandbox server.
type RemoteConfig struct {
	URL string `yaml:"url"`
}

// KubernetesConfig configures per-run SandboxClaims.
type KubernetesConfig struct {
	Template     string        `yaml:"template"`
	Namespace    string        `yaml:"namespace"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Port         int           `yaml:"port"`
}

// StorageConfig selects the run store.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres" or "sqlite"
	MaxSize  int            `yaml:"max_size"` // memory store LRU cap
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds PostgreSQL settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication and rate limit settings.
type AuthConfig struct {
	Type      string          `yaml:"type"` // "none", "apikey" or "jwt"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes one API key.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"`
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	JWKSURL     string        `yaml:"jwks_url"`
	UserClaim   string        `yaml:"user_claim"`
	TenantClaim string        `yaml:"tenant_claim"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig sets requests per minute per service tier.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"`
	Tiers      map[string]int `yaml:"tiers"`
}

// MCPConfig exposes the pipeline as MCP tools.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: "/mcp"
}

// ObservabilityConfig holds metrics and tracing settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // "none" or "stdout"
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns a Config with every default filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     2 << 20,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Provider: ProviderConfig{
			Type:    "ollama",
			URL:     "http://localhost:11434",
			Timeout: 120 * time.Second,
		},
		Generation: GenerationConfig{
			Model:   "qwen2.5-coder:7b-instruct-q5_K_M",
			Timeout: 120 * time.Second,
		},
		Sandbox: SandboxConfig{
			Mode:    "subprocess",
			Timeout: 30 * time.Second,
			Subprocess: SubprocessConfig{
				Grace: 2 * time.Second,
			},
			Kubernetes: KubernetesConfig{
				Namespace:    "default",
				ReadyTimeout: 30 * time.Second,
				Port:         8080,
			},
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
			SQLite: SQLiteConfig{
				Path: "promptrun.db",
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		MCP: MCPConfig{
			Path: "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				Exporter:    "none",
				ServiceName: "promptrun",
				SampleRatio: 1,
			},
		},
	}
}
