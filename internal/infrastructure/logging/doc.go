// Package logging provides structured logging for the UDP bridge.
//
// It wraps log/slog so every entry carries the service name and build
// version, and components can derive child loggers with their own
// attributes.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("listening", "addr", addr)
//	logger.Component("mqtt").Error("publish failed", "error", err)
//
// Never log the MQTT password or the InfluxDB token.
package logging
