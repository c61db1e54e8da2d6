// Package config handles configuration loading for loomd.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME} syntax) and sensible defaults for local use.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8486"
//
//	database:
//	  path: "/var/lib/loom/loom.db"
//
//	engine:
//	  base_url: "http://127.0.0.1:11434"
//	  drain_timeout: "2s"      # cancellation drain bound
//	  persist_attempts: 3      # final message save retries
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
