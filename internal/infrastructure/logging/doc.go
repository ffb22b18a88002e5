// Package logging provides structured logging for Fleet Core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Size-based file rotation via lumberjack
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "./logs/fleetcore.log"
//	    max_size: 100    # megabytes
//	    max_backups: 5
//	    max_age: 28      # days
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	defer logger.Close()
//	logger.Info("starting service", "port", 3001)
//	logger.Error("failed to persist activity", "error", err)
//
// # Security
//
// Never log secrets, tokens, or passwords. Operator JWTs in observer
// connection URLs must be stripped before logging the request.
package logging
