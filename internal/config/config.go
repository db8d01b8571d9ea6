package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Broker holds all broker-side configuration.
type Broker struct {
	Server      ServerConfig
	Auth        AuthConfig
	Tasks       TaskConfig
	Concurrency ConcurrencyConfig
	Heartbeat   HeartbeatConfig
	Logging     LogConfig
	RateLimit   RateLimitConfig
}

// Runner holds all runner-side configuration. Set at process start,
// immutable thereafter.
type Runner struct {
	BrokerURL string `envconfig:"BROKER_URL" default:"ws://localhost:5679/ws/runner"`
	Language  string `envconfig:"RUNNER_LANGUAGE" default:"javascript"`

	Auth AuthConfig

	// AllowedModules is the enable surface for external modules: a
	// comma-separated list of import names, or "*" for the open wildcard.
	AllowedModules []string `envconfig:"ALLOWED_MODULES" default:""`

	// AllowedBuiltins is the enable surface for standard-library modules,
	// same syntax as AllowedModules.
	AllowedBuiltins []string `envconfig:"ALLOWED_BUILTIN_MODULES" default:""`

	// ManifestPath points at the optional YAML package manifest that
	// describes the install surface. Empty disables manifest checking.
	ManifestPath string `envconfig:"PACKAGE_MANIFEST" default:""`

	TaskTimeout    time.Duration `envconfig:"TASK_TIMEOUT" default:"60s"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"1"`
	PythonBin      string        `envconfig:"PYTHON_BIN" default:"python3"`

	Logging LogConfig
}

// ServerConfig holds the broker HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"5679"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// AuthConfig holds the shared secret both sides know at process start.
type AuthConfig struct {
	Token string `envconfig:"RUNNER_AUTH_TOKEN" default:""`
}

// TaskConfig holds per-task deadline settings.
type TaskConfig struct {
	DefaultTimeout time.Duration `envconfig:"TASK_TIMEOUT_DEFAULT" default:"60s"`
	MaxTimeout     time.Duration `envconfig:"TASK_TIMEOUT_MAX" default:"300s"`
}

// ConcurrencyConfig bounds simultaneous executions per language.
type ConcurrencyConfig struct {
	JS     int `envconfig:"JS_MAX_CONCURRENCY" default:"5"`
	Python int `envconfig:"PY_MAX_CONCURRENCY" default:"5"`
}

// HeartbeatConfig governs runner liveness tracking.
type HeartbeatConfig struct {
	Interval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	Timeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"45s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds submission rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LoadBroker loads broker configuration from environment variables.
func LoadBroker() (*Broker, error) {
	var cfg Broker
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load broker config: %w", err)
	}
	return &cfg, nil
}

// LoadBrokerOrDefault loads broker configuration or falls back to defaults.
func LoadBrokerOrDefault() *Broker {
	cfg, err := LoadBroker()
	if err != nil {
		return DefaultBroker()
	}
	return cfg
}

// DefaultBroker returns default broker configuration.
func DefaultBroker() *Broker {
	return &Broker{
		Server: ServerConfig{Port: "5679", Host: "0.0.0.0"},
		Tasks: TaskConfig{
			DefaultTimeout: 60 * time.Second,
			MaxTimeout:     300 * time.Second,
		},
		Concurrency: ConcurrencyConfig{JS: 5, Python: 5},
		Heartbeat: HeartbeatConfig{
			Interval: 15 * time.Second,
			Timeout:  45 * time.Second,
		},
		Logging: LogConfig{Level: "info", Development: false},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// LoadRunner loads runner configuration from environment variables.
func LoadRunner() (*Runner, error) {
	var cfg Runner
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load runner config: %w", err)
	}
	return &cfg, nil
}

// DefaultRunner returns default runner configuration.
func DefaultRunner() *Runner {
	return &Runner{
		BrokerURL:      "ws://localhost:5679/ws/runner",
		Language:       "javascript",
		TaskTimeout:    60 * time.Second,
		MaxConcurrency: 1,
		PythonBin:      "python3",
		Logging:        LogConfig{Level: "info", Development: false},
	}
}
