// Package gzerr defines the stable error taxonomy shared by every Gleitzeit
// core component: the dependency resolver, the execution engine, the
// provider registry, and the persistence backends all classify failures
// using the same Code identifiers so that retry and propagation policy can
// be decided in one place.
package gzerr

import "errors"

// Code is a stable error taxonomy identifier. Codes are identifiers, not
// Go types, so they survive across process/transport boundaries (they are
// what a provider sends back over the wire in a response envelope).
type Code string

// Validation codes are never retried; they indicate the request itself is
// malformed or violates an invariant that cannot be fixed by trying again.
const (
	CodeInvalidParams             Code = "invalid_params"
	CodeMethodNotSupported        Code = "method_not_supported"
	CodeProtocolNotFound          Code = "protocol_not_found"
	CodeWorkflowValidationFailed  Code = "workflow_validation_failed"
	CodeWorkflowCircularDependency Code = "workflow_circular_dependency"
	CodeUnresolvedReference        Code = "unresolved_reference"
	CodeFieldNotFound              Code = "field_not_found"
)

// Transient codes are retryable by default.
const (
	CodeProviderTimeout          Code = "provider_timeout"
	CodeProviderOverloaded       Code = "provider_overloaded"
	CodeProviderDisconnected     Code = "provider_disconnected"
	CodeConnectionTimeout        Code = "connection_timeout"
	CodeConnectionLost           Code = "connection_lost"
	CodePersistenceTransient     Code = "persistence_transient"
	CodeTaskTimeout              Code = "task_timeout"
	CodeNoProviderAvailableTransient Code = "no_provider_available_transient"
)

// Permanent task-level codes are not retried.
const (
	CodeTaskExecutionFailed Code = "task_execution_failed"
	CodeCancelled           Code = "cancelled"
	CodeTaskResultInvalid   Code = "task_result_invalid"
	CodeNoProviderAvailablePermanent Code = "no_provider_available_permanent"
	CodeUpstreamFailed      Code = "upstream_failed"
)

// System codes are surfaced but never retried.
const (
	CodeConfigurationError Code = "configuration_error"
	CodeInternalError      Code = "internal_error"
)

// Error is the canonical error type carried across the core and, once
// encoded onto a transport.Envelope, across the wire.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
}

// New constructs an Error for code with message, defaulting Retryable from
// DefaultRetryable(code).
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: DefaultRetryable(code)}
}

// Wrap constructs an Error for code around an underlying cause.
func Wrap(code Code, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Message: msg, Retryable: DefaultRetryable(code), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any, enabling errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Code, enabling
// errors.Is(err, gzerr.New(gzerr.CodeTaskTimeout, "")) style checks.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf extracts the taxonomy Code from err, returning CodeInternalError
// when err does not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsRetryable reports whether err should be retried. Non-taxonomy errors are
// treated as non-retryable (conservative default matching the teacher's
// "explicit transient marker, else not transient" convention).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// transientDefaults lists every Code whose zero-configuration classification
// is retryable, per spec §7.
var transientDefaults = map[Code]bool{
	CodeProviderTimeout:              true,
	CodeProviderOverloaded:           true,
	CodeProviderDisconnected:         true,
	CodeConnectionTimeout:            true,
	CodeConnectionLost:               true,
	CodePersistenceTransient:         true,
	CodeTaskTimeout:                  true,
	CodeNoProviderAvailableTransient: true,
}

// DefaultRetryable returns the taxonomy's default retryability for code.
// Callers (notably the retry scheduler) may override this per task via
// RetryPolicy.RetryOn.
func DefaultRetryable(code Code) bool {
	return transientDefaults[code]
}
