package gateway

import (
	"encoding/json"
)

// OperationOutcome is the FHIR error resource. Only the fields the gateway
// reads or writes are modelled.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is one entry of an OperationOutcome.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewOperationOutcome returns an outcome with a single error issue.
func NewOperationOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []Issue{{Severity: "error", Code: code, Diagnostics: diagnostics}},
	}
}

// recordServerError builds an error from a non-success response body.
// Bodies that are not an OperationOutcome still yield an error with the
// status alone.
func recordServerError(status int, body []byte) *RecordServerError {
	e := &RecordServerError{Status: status, Code: "unknown"}

	var outcome OperationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil || outcome.ResourceType != "OperationOutcome" {
		return e
	}
	if len(outcome.Issue) > 0 {
		if outcome.Issue[0].Code != "" {
			e.Code = outcome.Issue[0].Code
		}
		e.Diagnostics = outcome.Issue[0].Diagnostics
	}
	return e
}
