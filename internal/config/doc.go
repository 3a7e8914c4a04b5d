// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. ~/.config/relay/gateway.yaml (XDG conventions)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "30m"
//	  sweep_interval: "60s"
//	  token_ttl: "1h"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"  # Required for session tokens
//	  api_key: "${RELAY_API_KEY}"        # Optional static inbound key
//
// Backends (capability servers):
//
//	backends:
//	  - id: "linear"
//	    base_url: "http://localhost:9001"
//	    capabilities: ["linear_get_teams", "linear_create_issue"]
//	    health_check_interval: "30s"
//	    requires_auth: false
//	    max_retries: 1
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load() rejects configurations with no backends, duplicate backend ids,
// invalid base URLs, and capabilities declared by more than one backend
// (which would make routing order-dependent).
package config
