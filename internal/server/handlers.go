package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"smartgate/internal/gateway"
	"smartgate/internal/oauth"
	"smartgate/pkg/logging"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleLaunch starts an EHR launch (?iss=&launch=) or a standalone launch
// (no parameters) and redirects the browser to the authorization server.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	iss, launch := q.Get("iss"), q.Get("launch")
	if launch != "" && iss == "" {
		logging.Info("HTTP", "Rejected EHR launch without iss")
		renderErrorPage(w, http.StatusBadRequest, msgBadRequest)
		return
	}

	bindingID, err := s.cookies.setBinding(w)
	if err != nil {
		logging.Error("HTTP", err, "Failed to sign binding cookie")
		renderErrorPage(w, http.StatusInternalServerError, msgInternal)
		return
	}

	authURL, _, err := s.manager.StartLaunch(r.Context(), oauth.LaunchRequest{
		Issuer:      iss,
		LaunchToken: launch,
		RedirectURI: s.redirectURI,
		BindingID:   bindingID,
	})
	if err != nil {
		s.cookies.clearBinding(w)
		resp := classify(err)
		logRequestError(r, err, resp.status)
		renderErrorPage(w, resp.status, resp.message)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the authorization code flow and starts a session.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	bindingID := s.cookies.bindingID(r)
	s.cookies.clearBinding(w)

	session, err := s.manager.CompleteCallback(r.Context(), r.URL.Query(), bindingID)
	if err != nil {
		resp := classify(err)
		logRequestError(r, err, resp.status)
		renderErrorPage(w, resp.status, resp.message)
		return
	}

	if err := s.cookies.setSession(w, session.ID); err != nil {
		logging.Error("HTTP", err, "Failed to sign session cookie")
		renderErrorPage(w, http.StatusInternalServerError, msgInternal)
		return
	}
	http.Redirect(w, r, s.landingURL, http.StatusFound)
}

// handleResource proxies a read of one FHIR resource for the caller's session.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	sessionID := s.cookies.sessionID(r)
	if sessionID == "" {
		writeOutcome(w, http.StatusUnauthorized, "login", msgSignIn)
		return
	}

	typ, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	session, err := s.manager.TokenManager().Session(r.Context(), sessionID)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}

	res, err := s.gateway.Fetch(r.Context(), sessionID, typ+"/"+id, requiredScope(session, typ))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", gateway.FHIRContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// handleLogout ends the caller's session. It succeeds without a session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sessionID := s.cookies.sessionID(r); sessionID != "" {
		if err := s.manager.Logout(r.Context(), sessionID); err != nil {
			logging.Error("HTTP", err, "Logout of session %s failed", logging.TruncateSessionID(sessionID))
		}
	}
	s.cookies.clearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	resp := classify(err)
	logRequestError(r, err, resp.status)
	if resp.status == http.StatusUnauthorized {
		s.cookies.clearSession(w)
	}
	writeOutcome(w, resp.status, resp.code, resp.message)
}

// requiredScope is the read scope for typ: patient-level when the session
// carries a patient context, user-level otherwise.
func requiredScope(session *oauth.Session, typ string) string {
	if session.Material != nil && session.Material.Launch.Patient != "" {
		return "patient/" + typ + ".read"
	}
	return "user/" + typ + ".read"
}
