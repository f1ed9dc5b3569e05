// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

session:
  idle_timeout: "90s"
  generation_timeout: "15s"
  max_handoffs: 2
  human_transfer_number: "+15550009999"

reasoner:
  provider: "openai"
  api_key: "sk-test"
  model: "gpt-4o-mini"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Session.IdleTimeout != 90*time.Second {
		t.Errorf("Session.IdleTimeout = %v, want %v", cfg.Session.IdleTimeout, 90*time.Second)
	}
	if cfg.Session.GenerationTimeout != 15*time.Second {
		t.Errorf("Session.GenerationTimeout = %v, want %v", cfg.Session.GenerationTimeout, 15*time.Second)
	}
	if cfg.Session.MaxHandoffs != 2 {
		t.Errorf("Session.MaxHandoffs = %d, want 2", cfg.Session.MaxHandoffs)
	}
	if cfg.Session.HumanTransferNumber != "+15550009999" {
		t.Errorf("Session.HumanTransferNumber = %q", cfg.Session.HumanTransferNumber)
	}
	if cfg.Reasoner.Provider != "openai" || cfg.Reasoner.APIKey != "sk-test" {
		t.Errorf("Reasoner = %+v", cfg.Reasoner)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// Unset values keep their defaults
	if cfg.Session.WriteTimeout != 5*time.Second {
		t.Errorf("Session.WriteTimeout = %v, want default 5s", cfg.Session.WriteTimeout)
	}
	if cfg.Session.MaxSteps != 8 {
		t.Errorf("Session.MaxSteps = %d, want default 8", cfg.Session.MaxSteps)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9090"

[session]
idle_timeout = "2m"
inbound_rate = 5.0
inbound_burst = 10

[reasoner]
provider = "rules"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Session.IdleTimeout != 2*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 2m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.InboundRate != 5 || cfg.Session.InboundBurst != 10 {
		t.Errorf("Session inbound = %v/%d", cfg.Session.InboundRate, cfg.Session.InboundBurst)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("TEST_DB_PATH", "/tmp/bank.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "${TEST_DB_PATH}"
reasoner:
  provider: "openai"
  api_key: "${TEST_OPENAI_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Reasoner.APIKey != "sk-from-env" {
		t.Errorf("Reasoner.APIKey = %q, want %q", cfg.Reasoner.APIKey, "sk-from-env")
	}
	if cfg.Database.Path != "/tmp/bank.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/bank.db")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Session.IdleTimeout != 300*time.Second {
		t.Errorf("Session.IdleTimeout = %v, want 300s", cfg.Session.IdleTimeout)
	}
	if cfg.Reasoner.Provider != "rules" {
		t.Errorf("Reasoner.Provider = %q, want rules", cfg.Reasoner.Provider)
	}
	if cfg.Reasoner.Model != "gpt-4o-mini" {
		t.Errorf("Reasoner.Model = %q, want gpt-4o-mini", cfg.Reasoner.Model)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty (in-memory)", cfg.Database.Path)
	}
	if cfg.Tracing.ServiceName != "voice-gateway" {
		t.Errorf("Tracing.ServiceName = %q", cfg.Tracing.ServiceName)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
session:
  idle_timeout: "forever"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "session.idle_timeout") {
		t.Errorf("error %q does not name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
				c.Tailscale.Hostname = ""
			},
			wantErr: "tailscale.hostname",
		},
		{
			name:    "openai without key",
			mutate:  func(c *Config) { c.Reasoner.Provider = "openai" },
			wantErr: "reasoner.api_key",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Reasoner.Provider = "magic" },
			wantErr: "reasoner.provider",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Admin.JWTSecret = "short" },
			wantErr: "admin.jwt_secret",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "tracing.otlp_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
