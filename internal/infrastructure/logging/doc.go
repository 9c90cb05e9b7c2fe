// Package logging provides structured logging for the accessory bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - A process-wide level that can be raised to debug at runtime
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Runtime debug toggle
//
// SetDebugEnabled(true) lowers the shared level to debug for every logger
// created by New; SetDebugEnabled(false) restores the configured level.
// The bridge's setDebugLoggingEnabled operation is wired to this.
//
// # Security
//
// Never log secrets, tokens or passwords.
package logging
