package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"

	"smartgate/internal/gateway"
	"smartgate/internal/oauth"
	"smartgate/pkg/logging"
)

// Messages shown to the browser. They never include error details.
const (
	msgUnavailable  = "The health record service is unavailable. Please try again later."
	msgBadRequest   = "The launch request could not be accepted."
	msgRestart      = "This sign-in link is no longer valid. Please restart the launch from your EHR."
	msgDenied       = "Access was not granted."
	msgUpstream     = "The authorization server reported an error."
	msgSignIn       = "Your session has ended. Please sign in again."
	msgForbidden    = "You do not have permission to view this record."
	msgNotFound     = "The requested record was not found."
	msgInternal     = "Something went wrong."
	msgInvalidInput = "The request is not valid."
)

// errorResponse is the HTTP rendering of an error.
type errorResponse struct {
	status  int
	message string
	// code is the FHIR issue type used for API error bodies.
	code string
}

// classify maps an error onto a status and a user-facing message. The
// transient check runs first because transient record server failures also
// unwrap to gateway.ErrRecordServer.
func classify(err error) errorResponse {
	var tokenErr *oauth.TokenError
	switch {
	case errors.Is(err, oauth.ErrTransient),
		errors.Is(err, oauth.ErrDiscovery),
		errors.Is(err, oauth.ErrInsecureEndpoint),
		errors.Is(err, oauth.ErrEndpointMismatch):
		return errorResponse{http.StatusServiceUnavailable, msgUnavailable, "transient"}

	case errors.Is(err, oauth.ErrUntrustedRedirect),
		errors.Is(err, oauth.ErrUntrustedIssuer):
		return errorResponse{http.StatusBadRequest, msgBadRequest, "security"}

	case errors.Is(err, oauth.ErrCSRF),
		errors.Is(err, oauth.ErrPKCEValidation),
		errors.Is(err, oauth.ErrCodeReplay),
		errors.Is(err, oauth.ErrInvalidGrant) && !errors.Is(err, oauth.ErrReauthorizationRequired):
		return errorResponse{http.StatusBadRequest, msgRestart, "security"}

	case errors.Is(err, oauth.ErrAuthorizationDenied):
		return errorResponse{http.StatusForbidden, msgDenied, "forbidden"}

	case errors.Is(err, oauth.ErrAuthorizationServer):
		return errorResponse{http.StatusBadGateway, msgUpstream, "exception"}

	case oauth.RequiresReauthorization(err),
		errors.Is(err, oauth.ErrStaleRefreshToken):
		return errorResponse{http.StatusUnauthorized, msgSignIn, "login"}

	case errors.Is(err, gateway.ErrScopeOrAuth):
		return errorResponse{http.StatusForbidden, msgForbidden, "forbidden"}

	case errors.Is(err, gateway.ErrInvalidResourcePath):
		return errorResponse{http.StatusBadRequest, msgInvalidInput, "invalid"}

	case errors.Is(err, gateway.ErrResourceNotFound):
		return errorResponse{http.StatusNotFound, msgNotFound, "not-found"}

	case errors.Is(err, gateway.ErrRecordServer):
		return errorResponse{http.StatusBadGateway, msgUpstream, "exception"}

	case errors.As(err, &tokenErr):
		return errorResponse{http.StatusBadGateway, msgUpstream, "exception"}
	}
	return errorResponse{http.StatusInternalServerError, msgInternal, "exception"}
}

// logRequestError logs err at a level matching its class.
func logRequestError(r *http.Request, err error, status int) {
	switch {
	case oauth.IsSecurityEvent(err):
		// Already reported as a security event where it was detected.
		logging.Debug("HTTP", "%s %s rejected: %v", r.Method, r.URL.Path, err)
	case status >= http.StatusInternalServerError:
		logging.Error("HTTP", err, "%s %s failed", r.Method, r.URL.Path)
	default:
		logging.Info("HTTP", "%s %s returned %d: %v", r.Method, r.URL.Path, status, err)
	}
}

// renderErrorPage writes a minimal HTML page for browser-facing endpoints.
func renderErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	safeMessage := html.EscapeString(message)
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign-in failed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 4rem auto; max-width: 36rem; color: #222; }
        h1 { font-size: 1.5rem; }
        p { line-height: 1.6; color: #555; }
    </style>
</head>
<body>
    <h1>Sign-in failed</h1>
    <p>%s</p>
</body>
</html>`, safeMessage)
}

// writeOutcome writes an OperationOutcome error body for API endpoints.
func writeOutcome(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", gateway.FHIRContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gateway.NewOperationOutcome(code, message))
}
