// Package logging provides the structured logging used throughout smartgate.
//
// It is a thin layer over log/slog with printf-style helpers that always carry
// a subsystem attribute:
//
//	logging.InitForServer(logging.LevelInfo, logging.FormatJSON, os.Stderr)
//
//	logging.Info("Discovery", "Fetched capabilities for %s", issuer)
//	logging.Warn("TokenManager", "Refresh for session=%s lost the race", logging.TruncateSessionID(id))
//	logging.Error("Store", err, "Failed to persist session")
//
// # Subsystems
//
//   - Discovery: capability document fetches and cache
//   - OAuth: attempts, authorization requests and token exchange
//   - Callback: callback validation
//   - TokenManager: refresh rotation
//   - Gateway: record server calls
//   - HTTP: inbound request handling
//   - Config: loading, validation and hot reload
//   - Store: session, attempt and code ledger storage
//
// # Security events
//
// Security logs an audit line at WARN level with security=true and an event
// attribute. Raw tokens, authorization codes and PKCE verifiers must never be
// passed to any logging call. Fingerprint produces a stable, short hash for
// correlation and TruncateSessionID shortens session identifiers.
package logging
