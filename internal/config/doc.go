// Package config provides configuration management for smartgate.
//
// Configuration is read from config.yaml inside a single directory
// (default ~/.config/smartgate, overridable with --config-path) and then
// overlaid with SMARTGATE_* environment variables. A missing file is not an
// error: defaults apply and the environment supplies deployment values.
//
// # Environment
//
// Every option has an environment override. Lists are comma-separated and
// durations use time.ParseDuration syntax:
//
//	SMARTGATE_FHIR_BASE_URL=https://ehr.example.org/fhir
//	SMARTGATE_CLIENT_ID=my-app
//	SMARTGATE_ALLOWED_REDIRECT_URIS=https://app.example.org/callback
//	SMARTGATE_REDIRECT_URI=https://app.example.org/callback
//	SMARTGATE_SESSION_SECRET=...
//	SMARTGATE_TOKEN_TIMEOUT=10s
//
// # Validation
//
// Validate reports all problems at once as ValidationErrors.
//
// # Hot reload
//
// Watcher observes the configuration directory with fsnotify and delivers
// validated configurations to a callback. The gateway uses it to update the
// redirect URI allowlist without a restart; other options require one.
package config
