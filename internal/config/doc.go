// Package config handles configuration loading for voice-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by .toml extension) with
// environment variable expansion. Missing values fall back to defaults and the
// result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BANK_VOICE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/bankvoice/gateway.yaml
//  3. ~/.config/bankvoice/gateway.yaml
//
// # Environment Variable Expansion
//
//	reasoner:
//	  api_key: "${OPENAI_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  idle_timeout: "300s"
//	  generation_timeout: "20s"
//
// # Sections
//
//	server:     http_addr, grpc_addr
//	tailscale:  enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:   path (empty for in-memory)
//	session:    timeouts, read limit, hand-off and step bounds, inbound rate
//	reasoner:   provider (rules, openai), model, base_url, api_key
//	profiles:   cache_ttl
//	logging:    level, format
//	metrics:    enabled, path
//	tracing:    enabled, exporter, otlp_endpoint, sample_rate, service_name
//	admin:      jwt_secret, token_ttl
package config
