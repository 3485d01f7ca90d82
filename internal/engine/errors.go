package engine

import "fmt"

// ConflictError indicates a stale expected state or a duplicate in-flight
// job. Callers should re-read current state and decide at a higher level,
// not blindly resubmit.
type ConflictError struct {
	RequestID string
	Reason    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on request %s: %s", e.RequestID, e.Reason)
}

// InvalidStateError indicates an operation against a target whose current
// state forbids it, such as voting on a retired staged app.
type InvalidStateError struct {
	Kind   string
	ID     string
	Status string
	Op     string
	Reason string
}

func (e InvalidStateError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = fmt.Sprintf("status %s", e.Status)
	}
	return fmt.Sprintf("cannot %s %s %s: %s", e.Op, e.Kind, e.ID, reason)
}

// ExternalUnavailableError indicates the generation or safety capability
// could not be reached. Treated like a generation timeout for retries.
type ExternalUnavailableError struct {
	Capability string
	Err        error
}

func (e ExternalUnavailableError) Error() string {
	return fmt.Sprintf("%s capability unavailable: %v", e.Capability, e.Err)
}

func (e ExternalUnavailableError) Unwrap() error {
	return e.Err
}
