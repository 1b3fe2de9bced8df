// Package log provides structured protocol logging for MQTT sessions.
//
// It is separate from operational logging (slog): protocol capture records
// every packet exchanged with the broker, every connection state change and
// every protocol error as a machine-readable event trace keyed by a
// per-connection id.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/iotsession/device.slog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Log files are a stream of CBOR encoded events with integer keys. The
// session-log CLI tool views, filters and summarizes them.
package log
