// Package app bootstraps and runs the gateway process.
//
// NewApplication loads config.yaml and SMARTGATE_* overrides from the
// configuration directory, validates the result, initializes logging and
// wires every component through InitializeServices:
//
//   - in-memory stores, or Redis stores shared by all replicas when redis.url is set
//   - the discovery client and token client, sharing one HTTP client that never
//     follows redirects
//   - the token manager, the flow manager and the resource gateway
//   - the HTTP server with its Prometheus registry
//
// Run serves until the context is cancelled or SIGINT/SIGTERM arrives. While
// running, changes to config.yaml are watched and allowedRedirectURIs is
// applied to the live allowlist. Other settings need a restart. Under
// systemd (Type=notify) readiness, reloads and shutdown are reported with
// sd_notify.
package app
