// ABOUTME: Configuration loading and parsing for voice-gateway
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete voice-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Reasoner  ReasonerConfig  `yaml:"reasoner" toml:"reasoner"`
	Profiles  ProfilesConfig  `yaml:"profiles" toml:"profiles"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel so the voice platform can reach the websocket
}

// DatabaseConfig holds database configuration.
// An empty path selects the in-memory store.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SessionConfig holds per-call timing and limits
type SessionConfig struct {
	IdleTimeout       time.Duration `yaml:"-" toml:"-"`
	GenerationTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	PingInterval      time.Duration `yaml:"-" toml:"-"`
	GreetingWindow    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw       string `yaml:"idle_timeout" toml:"idle_timeout"`
	GenerationTimeoutRaw string `yaml:"generation_timeout" toml:"generation_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw      string `yaml:"ping_interval" toml:"ping_interval"`
	GreetingWindowRaw    string `yaml:"greeting_window" toml:"greeting_window"`

	ReadLimit           int64   `yaml:"read_limit" toml:"read_limit"`
	MaxHandoffs         int     `yaml:"max_handoffs" toml:"max_handoffs"`
	MaxSteps            int     `yaml:"max_steps" toml:"max_steps"`
	InboundRate         float64 `yaml:"inbound_rate" toml:"inbound_rate"`
	InboundBurst        int     `yaml:"inbound_burst" toml:"inbound_burst"`
	HumanTransferNumber string  `yaml:"human_transfer_number" toml:"human_transfer_number"`
}

// ReasonerConfig selects and configures the reasoning backend
type ReasonerConfig struct {
	Provider    string  `yaml:"provider" toml:"provider"` // rules, openai
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
	APIKey      string  `yaml:"api_key" toml:"api_key"`
	Model       string  `yaml:"model" toml:"model"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// ProfilesConfig holds caller profile lookup configuration
type ProfilesConfig struct {
	CacheTTL    time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl" toml:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	Exporter     string  `yaml:"exporter" toml:"exporter"` // stdout, otlp, none
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" toml:"sample_rate"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
}

// AdminConfig holds admin endpoint authentication.
// An empty secret leaves the admin endpoints open, which is only suitable on a tailnet.
type AdminConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file behind it.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{HTTPAddr: "0.0.0.0:8080"},
	}
	cfg.applyDefaults()
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	s := &c.Session
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 300 * time.Second
	}
	if s.GenerationTimeout == 0 {
		s.GenerationTimeout = 20 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 5 * time.Second
	}
	if s.PingInterval == 0 {
		s.PingInterval = 20 * time.Second
	}
	if s.GreetingWindow == 0 {
		s.GreetingWindow = 10 * time.Minute
	}
	if s.ReadLimit == 0 {
		s.ReadLimit = 1 << 20
	}
	if s.MaxHandoffs == 0 {
		s.MaxHandoffs = 3
	}
	if s.MaxSteps == 0 {
		s.MaxSteps = 8
	}
	if s.InboundRate == 0 {
		s.InboundRate = 50
	}
	if s.InboundBurst == 0 {
		s.InboundBurst = 100
	}

	r := &c.Reasoner
	if r.Provider == "" {
		r.Provider = "rules"
	}
	if r.Model == "" {
		r.Model = "gpt-4o-mini"
	}
	if r.BaseURL == "" {
		r.BaseURL = "https://api.openai.com/v1"
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = 30 * time.Second
	}

	if c.Profiles.CacheTTL == 0 {
		c.Profiles.CacheTTL = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "voice-gateway"
	}

	if c.Admin.TokenTTL == 0 {
		c.Admin.TokenTTL = 24 * time.Hour
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Reasoner.Provider {
	case "rules":
	case "openai":
		if c.Reasoner.APIKey == "" {
			return fmt.Errorf("reasoner.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("reasoner.provider %q is not one of rules, openai", c.Reasoner.Provider)
	}

	if c.Session.MaxHandoffs < 0 {
		return fmt.Errorf("session.max_handoffs must not be negative")
	}
	if c.Session.InboundRate < 0 || c.Session.InboundBurst < 0 {
		return fmt.Errorf("session.inbound_rate and session.inbound_burst must not be negative")
	}

	switch c.Tracing.Exporter {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("tracing.exporter %q is not one of stdout, otlp, none", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required for the otlp exporter")
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 bytes")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.idle_timeout", cfg.Session.IdleTimeoutRaw, &cfg.Session.IdleTimeout},
		{"session.generation_timeout", cfg.Session.GenerationTimeoutRaw, &cfg.Session.GenerationTimeout},
		{"session.write_timeout", cfg.Session.WriteTimeoutRaw, &cfg.Session.WriteTimeout},
		{"session.ping_interval", cfg.Session.PingIntervalRaw, &cfg.Session.PingInterval},
		{"session.greeting_window", cfg.Session.GreetingWindowRaw, &cfg.Session.GreetingWindow},
		{"reasoner.request_timeout", cfg.Reasoner.RequestTimeoutRaw, &cfg.Reasoner.RequestTimeout},
		{"profiles.cache_ttl", cfg.Profiles.CacheTTLRaw, &cfg.Profiles.CacheTTL},
		{"admin.token_ttl", cfg.Admin.TokenTTLRaw, &cfg.Admin.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// DefaultYAML is the commented configuration written by `voice-gateway init`.
const DefaultYAML = `# voice-gateway configuration

server:
  http_addr: "0.0.0.0:8080"   # voice websocket, admin and health endpoints
  grpc_addr: ""               # gRPC health service, e.g. "0.0.0.0:50051"

database:
  path: "%s"

session:
  idle_timeout: "300s"
  generation_timeout: "20s"
  write_timeout: "5s"
  ping_interval: "20s"
  greeting_window: "10m"
  max_handoffs: 3
  max_steps: 8
  inbound_rate: 50
  inbound_burst: 100
  human_transfer_number: ""

reasoner:
  provider: "rules"           # rules, openai
  model: "gpt-4o-mini"
  api_key: "${OPENAI_API_KEY}"

profiles:
  cache_ttl: "5m"

logging:
  level: "info"               # debug, info, warn, error
  format: "text"              # text, json

metrics:
  enabled: true
  path: "/metrics"

tracing:
  enabled: false
  exporter: "stdout"          # stdout, otlp, none

admin:
  jwt_secret: "${BANK_VOICE_JWT_SECRET}"
  token_ttl: "24h"
`
