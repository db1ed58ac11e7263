// Package gateway reads FHIR resources from the record server with a
// session's access token.
//
// Fetch checks the required SMART scope against the session's granted scope
// before touching the network, so a request the grant cannot satisfy never
// leaves the process. Transient failures (network errors, 429 and 5xx) are
// retried with exponential backoff. A 401 triggers one forced refresh and a
// single retry; a second 401 ends the session.
//
// Errors unwrap to ErrInvalidResourcePath, ErrScopeOrAuth,
// ErrResourceNotFound or ErrRecordServer, or to the oauth package errors for
// session and token failures.
package gateway
