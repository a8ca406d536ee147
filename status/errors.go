// Package status defines the fixed status-code taxonomy used at every
// protocol boundary in this driver, and a small error wrapper for attaching
// human-readable context to a status without losing the underlying code.
package status

import "fmt"

// Status is an error that also carries one of the fixed driver status codes.
// Protocol callbacks never panic or return a bare error; they return a Status
// (or nil) so callers can compare against the taxonomy with errors.Is.
type Status interface {
	error
	WithMessage(message string) Status
	WrapError(err error) Status
}

// -----------------------------------------------------------------------------

type contextualStatus struct {
	code          Code
	message       string
	originalError error
}

func (e contextualStatus) Error() string {
	return e.message
}

// Is lets errors.Is match a contextualStatus against the fixed Code
// taxonomy directly, independent of whatever the wrapped cause unwraps to.
func (e contextualStatus) Is(target error) bool {
	code, ok := target.(Code)
	return ok && code == e.code
}

func (e contextualStatus) WithMessage(message string) Status {
	return contextualStatus{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e.originalError,
	}
}

func (e contextualStatus) WrapError(err error) Status {
	return contextualStatus{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}

// Unwrap exposes the wrapped cause, if any, so errors.Is/errors.As can
// follow the chain past this status's own Code.
func (e contextualStatus) Unwrap() error {
	return e.originalError
}
