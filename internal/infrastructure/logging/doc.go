// Package logging provides structured logging for the gateway.
//
// This package wraps Go's standard log/slog package so every component
// logs state transitions, attach/detach, subscribe and publish outcomes
// with the same default fields (service, version).
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log the signed credential or the relay secret.
package logging
