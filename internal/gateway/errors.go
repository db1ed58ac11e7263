package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidResourcePath is returned for paths that are not Type/id.
	ErrInvalidResourcePath = errors.New("invalid resource path")

	// ErrScopeOrAuth means the session may not read the resource.
	ErrScopeOrAuth = errors.New("insufficient scope or authorization")

	ErrResourceNotFound = errors.New("resource not found")

	// ErrRecordServer covers record server failures that are neither
	// transient nor about authorization.
	ErrRecordServer = errors.New("record server error")
)

// ScopeOrAuthError reports that a fetch was refused, locally or by the
// record server.
type ScopeOrAuthError struct {
	Required string
	Reason   string
}

func (e *ScopeOrAuthError) Error() string {
	return fmt.Sprintf("access to %s refused: %s", e.Required, e.Reason)
}

func (e *ScopeOrAuthError) Unwrap() error {
	return ErrScopeOrAuth
}

// ResourceNotFoundError is returned for 404 and 410 responses.
type ResourceNotFoundError struct {
	Path   string
	Status int
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("%s not found (status %d)", e.Path, e.Status)
}

func (e *ResourceNotFoundError) Unwrap() error {
	return ErrResourceNotFound
}

// RecordServerError carries the first issue of the OperationOutcome the
// record server returned, if any.
type RecordServerError struct {
	Status      int
	Code        string
	Diagnostics string
}

func (e *RecordServerError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("record server returned %d (%s): %s", e.Status, e.Code, e.Diagnostics)
	}
	return fmt.Sprintf("record server returned %d (%s)", e.Status, e.Code)
}

func (e *RecordServerError) Unwrap() error {
	return ErrRecordServer
}
