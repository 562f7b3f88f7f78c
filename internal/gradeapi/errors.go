package gradeapi

import (
	"errors"
	"fmt"
)

// The engine client reports failures through a small closed taxonomy.
// Poll loops and recovery branch on these types, so they are concrete
// structs rather than wrapped sentinels.

// ValidationError means the engine rejected the submission payload.
// Nothing was created server-side; no checkpoint may be written.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Message
}

// NotFoundError means the job or batch no longer exists server-side.
// Permanent for that identity; never retried.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ForbiddenError means the session is no longer authorized for the job
// or batch. Treated exactly like NotFoundError by callers.
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("access to %s %s forbidden", e.Resource, e.ID)
}

// TransportError wraps a transient failure: connection errors,
// timeouts, 5xx responses, undecodable bodies. Callers retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsGone reports whether the error is one of the two permanent
// "this job cannot be observed anymore" outcomes.
func IsGone(err error) bool {
	return IsNotFound(err) || IsForbidden(err)
}
