// Package server is the gateway's HTTP surface.
//
// # Endpoints
//
//	GET  /launch                    start an EHR (?iss=&launch=) or standalone launch
//	GET  /callback                  authorization redirect target, rate limited
//	GET  /api/resource/{type}/{id}  read one FHIR resource for the session
//	POST /logout                    revoke and end the session
//	GET  /healthz                   liveness
//	GET  /metrics                   Prometheus exposition
//
// # Cookies
//
// Two HS256-signed cookies are used. The launch binding cookie ties an
// authorization attempt to the browser that started it and lives for ten
// minutes; /callback refuses a state parameter issued to another browser.
// The session cookie carries only the session id. Token material never
// leaves the server.
//
// # Errors
//
// Browser endpoints render a short HTML page; the API endpoint returns a FHIR
// OperationOutcome. Status codes follow one table (see classify), and error
// details are logged, never shown.
package server
