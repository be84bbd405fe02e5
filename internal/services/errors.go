package services

import (
	"errors"
	"fmt"
	"net/http"
)

// Collaborator names a downstream service the orchestrator depends on.
type Collaborator string

const (
	CollaboratorDiscovery Collaborator = "Data Discovery"
	CollaboratorDelivery  Collaborator = "Secure Delivery"
)

// ErrIllegalTransition is returned when a status change is not in the
// transition table.
var ErrIllegalTransition = errors.New("illegal workflow transition")

// ValidationError reports a malformed start request. No workflow state is
// created when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CollaboratorUnavailableError is returned when a collaborator could not be
// reached or did not answer in time.
type CollaboratorUnavailableError struct {
	Collaborator Collaborator
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s is unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

// CollaboratorRejectedError is returned when a collaborator answered with
// anything other than a usable 200 response. StatusCode and Body are kept
// verbatim for diagnostics.
type CollaboratorRejectedError struct {
	Collaborator Collaborator
	StatusCode   int
	Body         string
}

func (e *CollaboratorRejectedError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Collaborator, e.StatusCode, e.Body)
}

// ResponseStatus is the status to report to callers: the collaborator's own
// error status, or 502 when it answered with anything outside 400..599.
func (e *CollaboratorRejectedError) ResponseStatus() int {
	if e.StatusCode < http.StatusBadRequest || e.StatusCode > 599 {
		return http.StatusBadGateway
	}
	return e.StatusCode
}

// WorkflowFailedError is returned by Start once a workflow has been moved to
// FAILED. Err is the collaborator error that caused it.
type WorkflowFailedError struct {
	WorkflowID string
	Step       Collaborator
	Err        error
}

func (e *WorkflowFailedError) Error() string {
	return fmt.Sprintf("workflow %s failed calling %s: %v", e.WorkflowID, e.Step, e.Err)
}

func (e *WorkflowFailedError) Unwrap() error { return e.Err }
