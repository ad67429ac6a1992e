// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads harness configuration from a YAML file with
// environment variable overrides. Environment variables take precedence
// over file values; both override the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flowbencherrors "github.com/tombee/flowbench/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete flowbench configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Agent       AgentConfig       `yaml:"agent"`
	Environment EnvironmentConfig `yaml:"environment"`
	Benchmarks  BenchmarksConfig  `yaml:"benchmarks"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format,omitempty"`

	// AddSource adds file:line information to log records.
	AddSource bool `yaml:"add_source"`
}

// AgentConfig configures which agent answers step prompts and how it is
// reached.
type AgentConfig struct {
	// Kind selects the agent implementation: "deterministic", "http"
	// or "mcp".
	Kind string `yaml:"kind,omitempty"`

	// Endpoint is the agent URL for the http kind.
	// Environment: FLOWBENCH_AGENT_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Command launches the agent's MCP server for the mcp kind. The
	// first element is the executable, the rest its arguments.
	Command []string `yaml:"command,omitempty"`

	// Model is the model name forwarded to LLM-backed agents.
	Model string `yaml:"model,omitempty"`

	// APIKeySecret names the secret holding the agent bearer token.
	// Resolved through the secrets chain, never stored in this file.
	APIKeySecret string `yaml:"api_key_secret,omitempty"`

	// RequestTimeout bounds one generation request.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// Transport configures request signing for deployed agents.
	Transport TransportConfig `yaml:"transport,omitempty"`
}

// TransportConfig configures authentication on the agent HTTP transport.
type TransportConfig struct {
	// Kind is "none", "oauth2" or "sigv4".
	Kind string `yaml:"kind,omitempty"`

	// OAuth2 applies when Kind is "oauth2".
	OAuth2 OAuth2Config `yaml:"oauth2,omitempty"`

	// SigV4 applies when Kind is "sigv4".
	SigV4 SigV4Config `yaml:"sigv4,omitempty"`
}

// OAuth2Config holds client-credentials settings for the agent transport.
type OAuth2Config struct {
	TokenURL string `yaml:"token_url,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`

	// ClientSecretSecret names the secret holding the client secret.
	ClientSecretSecret string   `yaml:"client_secret_secret,omitempty"`
	Scopes             []string `yaml:"scopes,omitempty"`
}

// SigV4Config holds AWS request-signing settings for the agent transport.
type SigV4Config struct {
	Region  string `yaml:"region,omitempty"`
	Service string `yaml:"service,omitempty"`
	Profile string `yaml:"profile,omitempty"`
}

// EnvironmentConfig configures the sandboxed execution environment.
type EnvironmentConfig struct {
	// SandboxURL attaches to an already-running sandbox validator.
	// Empty launches an owned validator child process.
	// Environment: FLOWBENCH_SANDBOX_URL
	SandboxURL string `yaml:"sandbox_url,omitempty"`

	// UpstreamURL is the real ledger endpoint missing accounts are
	// cloned from.
	// Environment: FLOWBENCH_UPSTREAM_URL
	UpstreamURL string `yaml:"upstream_url,omitempty"`

	// UpstreamRPS rate-limits upstream reads.
	UpstreamRPS float64 `yaml:"upstream_rps,omitempty"`

	// Validator configures the owned validator child process.
	Validator ValidatorConfig `yaml:"validator,omitempty"`

	// StepTimeout bounds one step execution.
	StepTimeout time.Duration `yaml:"step_timeout,omitempty"`

	// RunTimeout bounds one benchmark run end to end.
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`
}

// ValidatorConfig configures the sandbox validator child process.
type ValidatorConfig struct {
	// Binary is the validator executable, found on PATH when relative.
	// Environment: FLOWBENCH_VALIDATOR_BIN
	Binary string `yaml:"binary,omitempty"`

	// Port is the JSON-RPC port the validator listens on.
	Port int `yaml:"port,omitempty"`

	// LogPath receives the validator's combined output. Empty writes
	// under the data directory.
	LogPath string `yaml:"log_path,omitempty"`

	// StartupTimeout bounds the readiness wait.
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty"`

	// ShutdownTimeout bounds the SIGTERM grace period before SIGKILL.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// ExtraArgs are appended to the fixed launch arguments.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// BenchmarksConfig configures benchmark discovery.
type BenchmarksConfig struct {
	// Dir is the root directory searched for benchmark documents.
	// Environment: FLOWBENCH_BENCHMARKS_DIR
	Dir string `yaml:"dir,omitempty"`

	// Pattern is the glob matched against paths under Dir. Supports
	// doublestar patterns ("**/*.yml").
	Pattern string `yaml:"pattern,omitempty"`
}

// SessionsConfig configures per-run session logs.
type SessionsConfig struct {
	// Dir receives one JSONL event log per run.
	// Environment: FLOWBENCH_SESSIONS_DIR
	Dir string `yaml:"dir,omitempty"`
}

// StorageConfig configures the run result store.
type StorageConfig struct {
	// Path is the SQLite database path.
	// Environment: FLOWBENCH_DB_PATH
	Path string `yaml:"path,omitempty"`

	// MaxOpenConns sets the connection pool size.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// ServerConfig configures the execution API server.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: FLOWBENCH_LISTEN_ADDR
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// MaxQueueDepth bounds the pending run queue. Submissions beyond it
	// are rejected.
	MaxQueueDepth int `yaml:"max_queue_depth,omitempty"`

	// MaxConcurrentRuns limits parallel benchmark executions. Each run
	// owns its validator process, so raising this needs distinct ports.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`

	// Auth configures bearer-token authentication.
	Auth AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig configures server authentication.
type AuthConfig struct {
	// Enabled requires a bearer token on every API request.
	// Environment: FLOWBENCH_AUTH_ENABLED
	Enabled bool `yaml:"enabled"`

	// SigningKeySecret names the secret holding the token signing key.
	SigningKeySecret string `yaml:"signing_key_secret,omitempty"`

	// TokenTTL bounds issued token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	// Enabled activates span export. Metrics are always registered;
	// this gates the exporters.
	// Environment: FLOWBENCH_TELEMETRY_ENABLED
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter is the span destination: "otlp", "otlp-http" or
	// "console".
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address.
	// Environment: FLOWBENCH_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := DataDir()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Agent: AgentConfig{
			Kind:           "deterministic",
			Endpoint:       "http://127.0.0.1:9090/gen/tx",
			RequestTimeout: 60 * time.Second,
			Transport: TransportConfig{
				Kind: "none",
			},
		},
		Environment: EnvironmentConfig{
			UpstreamURL: "https://api.mainnet-beta.solana.com",
			UpstreamRPS: 2.0,
			Validator: ValidatorConfig{
				Binary:          "surfpool",
				Port:            8899,
				StartupTimeout:  30 * time.Second,
				ShutdownTimeout: 10 * time.Second,
			},
			StepTimeout: 30 * time.Second,
			RunTimeout:  5 * time.Minute,
		},
		Benchmarks: BenchmarksConfig{
			Dir:     "benchmarks",
			Pattern: "**/*.yml",
		},
		Sessions: SessionsConfig{
			Dir: filepath.Join(dataDir, "sessions"),
		},
		Storage: StorageConfig{
			Path:         filepath.Join(dataDir, "flowbench.db"),
			MaxOpenConns: 5,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:9700",
			ShutdownTimeout:   30 * time.Second,
			MaxQueueDepth:     32,
			MaxConcurrentRuns: 1,
			Auth: AuthConfig{
				Enabled:          false,
				SigningKeySecret: "server/signing-key",
				TokenTTL:         24 * time.Hour,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "flowbench",
			Exporter:    "console",
		},
	}
}

// Load loads configuration from environment variables and optionally
// from a YAML file. Environment variables take precedence over file
// values. An empty configPath uses defaults plus environment only.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flowbencherrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Fill zero values so minimal files work without every section.
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &flowbencherrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero values with defaults so a minimal config
// file (e.g. just an agent endpoint) works.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Agent.Kind == "" {
		c.Agent.Kind = defaults.Agent.Kind
	}
	if c.Agent.Endpoint == "" {
		c.Agent.Endpoint = defaults.Agent.Endpoint
	}
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = defaults.Agent.RequestTimeout
	}
	if c.Agent.Transport.Kind == "" {
		c.Agent.Transport.Kind = defaults.Agent.Transport.Kind
	}

	if c.Environment.UpstreamURL == "" {
		c.Environment.UpstreamURL = defaults.Environment.UpstreamURL
	}
	if c.Environment.UpstreamRPS == 0 {
		c.Environment.UpstreamRPS = defaults.Environment.UpstreamRPS
	}
	if c.Environment.Validator.Binary == "" {
		c.Environment.Validator.Binary = defaults.Environment.Validator.Binary
	}
	if c.Environment.Validator.Port == 0 {
		c.Environment.Validator.Port = defaults.Environment.Validator.Port
	}
	if c.Environment.Validator.StartupTimeout == 0 {
		c.Environment.Validator.StartupTimeout = defaults.Environment.Validator.StartupTimeout
	}
	if c.Environment.Validator.ShutdownTimeout == 0 {
		c.Environment.Validator.ShutdownTimeout = defaults.Environment.Validator.ShutdownTimeout
	}
	if c.Environment.StepTimeout == 0 {
		c.Environment.StepTimeout = defaults.Environment.StepTimeout
	}
	if c.Environment.RunTimeout == 0 {
		c.Environment.RunTimeout = defaults.Environment.RunTimeout
	}

	if c.Benchmarks.Dir == "" {
		c.Benchmarks.Dir = defaults.Benchmarks.Dir
	}
	if c.Benchmarks.Pattern == "" {
		c.Benchmarks.Pattern = defaults.Benchmarks.Pattern
	}

	if c.Sessions.Dir == "" {
		c.Sessions.Dir = defaults.Sessions.Dir
	}

	if c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = defaults.Storage.MaxOpenConns
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.MaxQueueDepth == 0 {
		c.Server.MaxQueueDepth = defaults.Server.MaxQueueDepth
	}
	if c.Server.MaxConcurrentRuns == 0 {
		c.Server.MaxConcurrentRuns = defaults.Server.MaxConcurrentRuns
	}
	if c.Server.Auth.SigningKeySecret == "" {
		c.Server.Auth.SigningKeySecret = defaults.Server.Auth.SigningKeySecret
	}
	if c.Server.Auth.TokenTTL == 0 {
		c.Server.Auth.TokenTTL = defaults.Server.Auth.TokenTTL
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = defaults.Telemetry.Exporter
	}
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FLOWBENCH_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWBENCH_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWBENCH_LOG_SOURCE"); val != "" {
		c.Log.AddSource = isTruthy(val)
	}

	if val := os.Getenv("FLOWBENCH_AGENT"); val != "" {
		c.Agent.Kind = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWBENCH_AGENT_ENDPOINT"); val != "" {
		c.Agent.Endpoint = val
	}
	if val := os.Getenv("FLOWBENCH_AGENT_MODEL"); val != "" {
		c.Agent.Model = val
	}
	if val := os.Getenv("FLOWBENCH_AGENT_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Agent.RequestTimeout = duration
		}
	}

	if val := os.Getenv("FLOWBENCH_SANDBOX_URL"); val != "" {
		c.Environment.SandboxURL = val
	}
	if val := os.Getenv("FLOWBENCH_UPSTREAM_URL"); val != "" {
		c.Environment.UpstreamURL = val
	}
	if val := os.Getenv("FLOWBENCH_UPSTREAM_RPS"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			c.Environment.UpstreamRPS = rps
		}
	}
	if val := os.Getenv("FLOWBENCH_VALIDATOR_BIN"); val != "" {
		c.Environment.Validator.Binary = val
	}
	if val := os.Getenv("FLOWBENCH_VALIDATOR_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Environment.Validator.Port = port
		}
	}
	if val := os.Getenv("FLOWBENCH_STEP_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Environment.StepTimeout = duration
		}
	}
	if val := os.Getenv("FLOWBENCH_RUN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Environment.RunTimeout = duration
		}
	}

	if val := os.Getenv("FLOWBENCH_BENCHMARKS_DIR"); val != "" {
		c.Benchmarks.Dir = val
	}
	if val := os.Getenv("FLOWBENCH_SESSIONS_DIR"); val != "" {
		c.Sessions.Dir = val
	}
	if val := os.Getenv("FLOWBENCH_DB_PATH"); val != "" {
		c.Storage.Path = val
	}

	if val := os.Getenv("FLOWBENCH_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("FLOWBENCH_AUTH_ENABLED"); val != "" {
		c.Server.Auth.Enabled = isTruthy(val)
	}
	if val := os.Getenv("FLOWBENCH_MAX_QUEUE"); val != "" {
		if depth, err := strconv.Atoi(val); err == nil {
			c.Server.MaxQueueDepth = depth
		}
	}
	if val := os.Getenv("FLOWBENCH_MAX_CONCURRENT_RUNS"); val != "" {
		if runs, err := strconv.Atoi(val); err == nil {
			c.Server.MaxConcurrentRuns = runs
		}
	}

	if val := os.Getenv("FLOWBENCH_TELEMETRY_ENABLED"); val != "" {
		c.Telemetry.Enabled = isTruthy(val)
	}
	if val := os.Getenv("FLOWBENCH_OTLP_ENDPOINT"); val != "" {
		c.Telemetry.Endpoint = val
	}
}

func isTruthy(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	validAgents := map[string]bool{"deterministic": true, "http": true, "mcp": true}
	if !validAgents[c.Agent.Kind] {
		errs = append(errs, fmt.Sprintf("agent.kind must be one of [deterministic, http, mcp], got %q", c.Agent.Kind))
	}
	if (c.Agent.Kind == "http" || c.Agent.Kind == "mcp") && c.Agent.Endpoint == "" {
		errs = append(errs, fmt.Sprintf("agent.endpoint is required for agent.kind %q", c.Agent.Kind))
	}
	if c.Agent.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("agent.request_timeout must be positive, got %v", c.Agent.RequestTimeout))
	}

	switch c.Agent.Transport.Kind {
	case "none":
	case "oauth2":
		if c.Agent.Transport.OAuth2.TokenURL == "" {
			errs = append(errs, "agent.transport.oauth2.token_url is required for transport.kind oauth2")
		}
		if c.Agent.Transport.OAuth2.ClientID == "" {
			errs = append(errs, "agent.transport.oauth2.client_id is required for transport.kind oauth2")
		}
	case "sigv4":
		if c.Agent.Transport.SigV4.Region == "" {
			errs = append(errs, "agent.transport.sigv4.region is required for transport.kind sigv4")
		}
	default:
		errs = append(errs, fmt.Sprintf("agent.transport.kind must be one of [none, oauth2, sigv4], got %q", c.Agent.Transport.Kind))
	}

	if c.Environment.UpstreamRPS <= 0 {
		errs = append(errs, fmt.Sprintf("environment.upstream_rps must be positive, got %v", c.Environment.UpstreamRPS))
	}
	if c.Environment.SandboxURL == "" {
		if port := c.Environment.Validator.Port; port < 1024 || port > 65535 {
			errs = append(errs, fmt.Sprintf("environment.validator.port must be between 1024 and 65535, got %d", port))
		}
		if c.Environment.Validator.StartupTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("environment.validator.startup_timeout must be positive, got %v", c.Environment.Validator.StartupTimeout))
		}
	}
	if c.Environment.StepTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("environment.step_timeout must be positive, got %v", c.Environment.StepTimeout))
	}
	if c.Environment.RunTimeout < c.Environment.StepTimeout {
		errs = append(errs, fmt.Sprintf("environment.run_timeout must be at least step_timeout, got %v < %v", c.Environment.RunTimeout, c.Environment.StepTimeout))
	}

	if c.Server.MaxQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("server.max_queue_depth must be at least 1, got %d", c.Server.MaxQueueDepth))
	}
	if c.Server.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Sprintf("server.max_concurrent_runs must be at least 1, got %d", c.Server.MaxConcurrentRuns))
	}
	if c.Server.Auth.Enabled && c.Server.Auth.SigningKeySecret == "" {
		errs = append(errs, "server.auth.signing_key_secret is required when auth is enabled")
	}

	validExporters := map[string]bool{"otlp": true, "otlp-http": true, "console": true}
	if !validExporters[c.Telemetry.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.exporter must be one of [otlp, otlp-http, console], got %q", c.Telemetry.Exporter))
	}
	if c.Telemetry.Enabled && c.Telemetry.Exporter != "console" && c.Telemetry.Endpoint == "" {
		errs = append(errs, fmt.Sprintf("telemetry.endpoint is required for exporter %q", c.Telemetry.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
