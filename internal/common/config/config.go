// Package config provides configuration management for the car runner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runner.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	State      StateConfig      `mapstructure:"state"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	NATS       NATSConfig       `mapstructure:"nats"`
	AppServer  AppServerConfig  `mapstructure:"appServer"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Session    SessionConfig    `mapstructure:"session"`
	Opencode   OpencodeConfig   `mapstructure:"opencode"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the diagnostics/gateway HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StateConfig holds on-disk state locations.
type StateConfig struct {
	// Root is the directory holding runner state (thread registry,
	// delivery targets, default ledger database). Default: ~/.car
	Root string `mapstructure:"root"`
}

// LedgerConfig holds turn-ledger database configuration.
type LedgerConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file; empty means <state.root>/ledger.db
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AppServerConfig holds wire-protocol limits and timeouts for app-server
// (codex-flavor) agents.
type AppServerConfig struct {
	ClientName    string `mapstructure:"clientName"`
	ClientVersion string `mapstructure:"clientVersion"`

	// MaxMessageBytes bounds a single stdout line; longer lines are drained
	// and reported through a synthetic oversizedMessageDropped notification.
	MaxMessageBytes int `mapstructure:"maxMessageBytes"`
	// DrainLimitBytes bounds how much of an oversized line is discarded
	// before the drain is aborted.
	DrainLimitBytes int `mapstructure:"drainLimitBytes"`

	RequestTimeout               int `mapstructure:"requestTimeout"`               // in seconds
	TurnTimeout                  int `mapstructure:"turnTimeout"`                  // in seconds, 0 means unbounded
	TurnStallTimeout             int `mapstructure:"turnStallTimeout"`             // in seconds
	TurnStallPollInterval        int `mapstructure:"turnStallPollInterval"`        // in seconds
	TurnStallRecoveryMinInterval int `mapstructure:"turnStallRecoveryMinInterval"` // in seconds
}

// SupervisorConfig holds client-pool lifecycle policies.
type SupervisorConfig struct {
	MaxClients           int     `mapstructure:"maxClients"`
	IdleTTL              int     `mapstructure:"idleTTL"`       // in seconds
	SweepInterval        int     `mapstructure:"sweepInterval"` // in seconds
	AutoRestart          bool    `mapstructure:"autoRestart"`
	RestartBackoffBase   float64 `mapstructure:"restartBackoffBase"` // in seconds
	RestartBackoffCap    float64 `mapstructure:"restartBackoffCap"`  // in seconds
	RestartBackoffJitter float64 `mapstructure:"restartBackoffJitter"`
	RestartMaxAttempts   int     `mapstructure:"restartMaxAttempts"`
	BreakerThreshold     int     `mapstructure:"breakerThreshold"`
	BreakerCooldown      int     `mapstructure:"breakerCooldown"` // in seconds
}

// ApprovalConfig holds defaults for answering server-initiated approval requests.
type ApprovalConfig struct {
	// Mode is the default bridge mode: accept, cancel, or prompt.
	Mode string `mapstructure:"mode"`
	// PromptTimeout bounds how long an operator prompt may stay unanswered
	// before the default decision is used. In seconds.
	PromptTimeout int `mapstructure:"promptTimeout"`
}

// SessionConfig holds conversation persistence behavior.
type SessionConfig struct {
	// ReuseSession resumes a mapped thread id for a session key when present.
	ReuseSession bool `mapstructure:"reuseSession"`
}

// OpencodeConfig holds HTTP-flavor backend configuration.
type OpencodeConfig struct {
	HealthTimeout  int `mapstructure:"healthTimeout"`  // in seconds
	PromptTimeout  int `mapstructure:"promptTimeout"`  // in minutes
	RequestTimeout int `mapstructure:"requestTimeout"` // in seconds
}

// AgentsConfig points at the agent catalog override file.
type AgentsConfig struct {
	CatalogPath string `mapstructure:"catalogPath"` // optional agents.yaml override
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	// Protocol enables per-message protocol spans. Verbose; off by default.
	Protocol bool   `mapstructure:"protocol"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint, empty disables export
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the RPC timeout as a time.Duration.
func (a *AppServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// TurnTimeoutDuration returns the per-turn timeout; zero means unbounded.
func (a *AppServerConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(a.TurnTimeout) * time.Second
}

// StallTimeoutDuration returns the stall-detection idle threshold.
func (a *AppServerConfig) StallTimeoutDuration() time.Duration {
	return time.Duration(a.TurnStallTimeout) * time.Second
}

// StallPollIntervalDuration returns the waiter poll cadence.
func (a *AppServerConfig) StallPollIntervalDuration() time.Duration {
	return time.Duration(a.TurnStallPollInterval) * time.Second
}

// StallRecoveryMinIntervalDuration returns the minimum spacing between
// thread/resume recovery probes.
func (a *AppServerConfig) StallRecoveryMinIntervalDuration() time.Duration {
	return time.Duration(a.TurnStallRecoveryMinInterval) * time.Second
}

// IdleTTLDuration returns the client idle TTL as a time.Duration.
func (s *SupervisorConfig) IdleTTLDuration() time.Duration {
	return time.Duration(s.IdleTTL) * time.Second
}

// SweepIntervalDuration returns the idle sweep cadence as a time.Duration.
func (s *SupervisorConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// BreakerCooldownDuration returns the circuit-breaker cooldown as a time.Duration.
func (s *SupervisorConfig) BreakerCooldownDuration() time.Duration {
	return time.Duration(s.BreakerCooldown) * time.Second
}

// PromptTimeoutDuration returns the operator-prompt deadline as a time.Duration.
func (a *ApprovalConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(a.PromptTimeout) * time.Second
}

// HealthTimeoutDuration returns the server health-poll bound as a time.Duration.
func (o *OpencodeConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(o.HealthTimeout) * time.Second
}

// PromptTimeoutDuration returns the prompt-submission bound as a time.Duration.
func (o *OpencodeConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(o.PromptTimeout) * time.Minute
}

// RequestTimeoutDuration returns the REST call bound as a time.Duration.
func (o *OpencodeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(o.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CAR_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// State defaults
	v.SetDefault("state.root", defaultStateRoot())

	// Ledger defaults - sqlite in the state root unless pointed elsewhere
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.host", "localhost")
	v.SetDefault("ledger.port", 5432)
	v.SetDefault("ledger.user", "car")
	v.SetDefault("ledger.password", "")
	v.SetDefault("ledger.dbName", "car")
	v.SetDefault("ledger.sslMode", "disable")
	v.SetDefault("ledger.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "car-runner")
	v.SetDefault("nats.maxReconnects", 10)

	// App-server protocol defaults
	v.SetDefault("appServer.clientName", "car")
	v.SetDefault("appServer.clientVersion", "")
	v.SetDefault("appServer.maxMessageBytes", 50*1024*1024)
	v.SetDefault("appServer.drainLimitBytes", 100*1024*1024)
	v.SetDefault("appServer.requestTimeout", 60)
	v.SetDefault("appServer.turnTimeout", 0)
	v.SetDefault("appServer.turnStallTimeout", 60)
	v.SetDefault("appServer.turnStallPollInterval", 2)
	v.SetDefault("appServer.turnStallRecoveryMinInterval", 10)

	// Supervisor defaults
	v.SetDefault("supervisor.maxClients", 20)
	v.SetDefault("supervisor.idleTTL", 3600)
	v.SetDefault("supervisor.sweepInterval", 60)
	v.SetDefault("supervisor.autoRestart", true)
	v.SetDefault("supervisor.restartBackoffBase", 0.5)
	v.SetDefault("supervisor.restartBackoffCap", 30.0)
	v.SetDefault("supervisor.restartBackoffJitter", 0.1)
	v.SetDefault("supervisor.restartMaxAttempts", 10)
	v.SetDefault("supervisor.breakerThreshold", 5)
	v.SetDefault("supervisor.breakerCooldown", 60)

	// Approval defaults - answer "cancel" unless a surface is prompting
	v.SetDefault("approval.mode", "cancel")
	v.SetDefault("approval.promptTimeout", 120)

	// Session defaults
	v.SetDefault("session.reuseSession", true)

	// Opencode flavor defaults
	v.SetDefault("opencode.healthTimeout", 20)
	v.SetDefault("opencode.promptTimeout", 60)
	v.SetDefault("opencode.requestTimeout", 30)

	// Agent catalog defaults - embedded catalog unless overridden
	v.SetDefault("agents.catalogPath", "")

	// Tracing defaults
	v.SetDefault("tracing.protocol", false)
	v.SetDefault("tracing.endpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// defaultStateRoot returns ~/.car, falling back to a relative directory when
// the home directory cannot be resolved.
func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".car"
	}
	return filepath.Join(home, ".car")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CAR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/car/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("nats.url", "CAR_NATS_URL")
	_ = v.BindEnv("state.root", "CAR_STATE_ROOT")
	_ = v.BindEnv("ledger.driver", "CAR_LEDGER_DRIVER")
	_ = v.BindEnv("appServer.maxMessageBytes", "CAR_APP_SERVER_MAX_MESSAGE_BYTES")
	_ = v.BindEnv("appServer.drainLimitBytes", "CAR_APP_SERVER_DRAIN_LIMIT_BYTES")
	_ = v.BindEnv("appServer.turnStallTimeout", "CAR_APP_SERVER_TURN_STALL_TIMEOUT")
	_ = v.BindEnv("tracing.protocol", "CAR_TRACE_PROTOCOL")
	_ = v.BindEnv("tracing.endpoint", "CAR_TRACE_ENDPOINT")
	_ = v.BindEnv("agents.catalogPath", "CAR_AGENTS_CATALOG")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/car/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.State.Root == "" {
		errs = append(errs, "state.root is required")
	}

	// Ledger validation
	switch cfg.Ledger.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Ledger.Host == "" {
			errs = append(errs, "ledger.host is required for the postgres driver")
		}
		if cfg.Ledger.Port <= 0 || cfg.Ledger.Port > 65535 {
			errs = append(errs, "ledger.port must be between 1 and 65535")
		}
		if cfg.Ledger.User == "" {
			errs = append(errs, "ledger.user is required for the postgres driver")
		}
		if cfg.Ledger.DBName == "" {
			errs = append(errs, "ledger.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "ledger.driver must be one of: sqlite, postgres")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Protocol limits
	if cfg.AppServer.MaxMessageBytes <= 0 {
		errs = append(errs, "appServer.maxMessageBytes must be positive")
	}
	if cfg.AppServer.DrainLimitBytes < cfg.AppServer.MaxMessageBytes {
		errs = append(errs, "appServer.drainLimitBytes must be at least appServer.maxMessageBytes")
	}
	if cfg.AppServer.RequestTimeout <= 0 {
		errs = append(errs, "appServer.requestTimeout must be positive")
	}
	if cfg.AppServer.TurnStallTimeout <= 0 {
		errs = append(errs, "appServer.turnStallTimeout must be positive")
	}
	if cfg.AppServer.TurnStallPollInterval <= 0 {
		errs = append(errs, "appServer.turnStallPollInterval must be positive")
	}

	// Supervisor validation
	if cfg.Supervisor.MaxClients <= 0 {
		errs = append(errs, "supervisor.maxClients must be positive")
	}
	if cfg.Supervisor.RestartBackoffBase <= 0 {
		errs = append(errs, "supervisor.restartBackoffBase must be positive")
	}
	if cfg.Supervisor.RestartBackoffCap < cfg.Supervisor.RestartBackoffBase {
		errs = append(errs, "supervisor.restartBackoffCap must be at least restartBackoffBase")
	}
	if cfg.Supervisor.RestartBackoffJitter < 0 || cfg.Supervisor.RestartBackoffJitter >= 1 {
		errs = append(errs, "supervisor.restartBackoffJitter must be in [0, 1)")
	}

	// Approval validation
	validModes := map[string]bool{"accept": true, "cancel": true, "prompt": true}
	if !validModes[cfg.Approval.Mode] {
		errs = append(errs, "approval.mode must be one of: accept, cancel, prompt")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *LedgerConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SQLitePath returns the sqlite database file path, deriving the default
// location under the state root when unset.
func (d *LedgerConfig) SQLitePath(stateRoot string) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(stateRoot, "ledger.db")
}
