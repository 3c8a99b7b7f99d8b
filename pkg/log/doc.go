// Package log provides protocol capture for hublink clients.
//
// Capture is separate from operational logging (slog). Where slog answers
// "what is the client doing", a capture answers "what went over the wire":
// every publish, every inbound message routed to a client, connection and
// registration state changes, credential renewals and dropped messages.
//
// # Basic Usage
//
// Clients accept a Logger in their Config:
//
//	// Development: print capture events through slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Field devices: append to a binary capture file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/lib/hublink/device.hlog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(adapter, fileLogger)
//
// # File Format
//
// Capture files are a stream of CBOR-encoded Events with integer keys
// (.hlog extension). The hublink-log command prints and filters them.
package log
