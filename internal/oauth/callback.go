package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"

	"smartgate/internal/metrics"
	"smartgate/pkg/logging"
)

// CallbackResult is a validated authorization redirect.
type CallbackResult struct {
	Code    string
	Attempt *PendingAttempt
}

// CallbackValidator checks authorization redirects against pending attempts.
type CallbackValidator struct {
	store   AttemptStore
	metrics *metrics.Metrics
}

// NewCallbackValidator creates a validator consuming attempts from store.
func NewCallbackValidator(store AttemptStore, m *metrics.Metrics) *CallbackValidator {
	return &CallbackValidator{store: store, metrics: m}
}

// ValidateCallback consumes the attempt named by the state parameter and
// returns the authorization code. bindingID is the id of the browser that
// delivered the callback; it must match the one that started the attempt.
func (v *CallbackValidator) ValidateCallback(ctx context.Context, query url.Values, bindingID string) (*CallbackResult, error) {
	state := query.Get("state")
	if state == "" {
		return nil, v.reject(&CSRFError{Reason: CSRFMissingState})
	}

	attempt, err := v.store.Consume(ctx, state)
	if err != nil {
		var csrfErr *CSRFError
		if errors.As(err, &csrfErr) {
			return nil, v.reject(csrfErr)
		}
		return nil, err
	}

	if attempt.BindingID != "" && subtle.ConstantTimeCompare([]byte(attempt.BindingID), []byte(bindingID)) != 1 {
		v.finish(ctx, attempt, AttemptFailed)
		return nil, v.reject(&CSRFError{Reason: CSRFBindingMismatch})
	}

	if errCode := query.Get("error"); errCode != "" {
		v.finish(ctx, attempt, AttemptDenied)
		description := query.Get("error_description")
		if errCode == "access_denied" {
			v.metrics.Callback(metrics.OutcomeDenied)
			logging.Info("Callback", "User denied authorization for attempt %s", attempt.ID)
			return nil, &AuthorizationDeniedError{Code: errCode, Description: description}
		}
		v.metrics.Callback(metrics.OutcomeError)
		logging.Warn("Callback", "Authorization server returned %s for attempt %s: %s", errCode, attempt.ID, description)
		return nil, &AuthorizationServerError{Code: errCode, Description: description}
	}

	code := query.Get("code")
	if code == "" {
		v.finish(ctx, attempt, AttemptFailed)
		return nil, v.reject(&CSRFError{Reason: CSRFMissingCode})
	}

	return &CallbackResult{Code: code, Attempt: attempt}, nil
}

// Finish records the terminal state of a consumed attempt.
func (v *CallbackValidator) Finish(ctx context.Context, attempt *PendingAttempt, status AttemptStatus) {
	v.finish(ctx, attempt, status)
}

func (v *CallbackValidator) finish(ctx context.Context, attempt *PendingAttempt, status AttemptStatus) {
	if err := attempt.Transition(status); err != nil {
		logging.Warn("Callback", "Attempt %s: %v", attempt.ID, err)
		return
	}
	if err := v.store.Finish(ctx, attempt); err != nil {
		logging.Warn("Callback", "Failed to record outcome of attempt %s: %v", attempt.ID, err)
	}
}

func (v *CallbackValidator) reject(err *CSRFError) error {
	v.metrics.Callback(metrics.OutcomeError)
	v.metrics.SecurityEvent("csrf_" + err.Reason)
	logging.Security("csrf", "Rejected callback: %s", err.Reason)
	return err
}
