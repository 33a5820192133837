// Package errors provides a structured error system for kimage.
// It supports error domains and codes, error wrapping, and a fatal/non-fatal
// classification used by the build pipeline to decide whether a run aborts.
package errors

import (
	"errors"
	"fmt"
)

// Code represents a unique error code within a domain
type Code string

// Domain represents an error domain (e.g., "config", "image")
type Domain string

// Error domains
const (
	DomainConfig     Domain = "config"
	DomainToolchain  Domain = "toolchain"
	DomainExtraction Domain = "extraction"
	DomainImage      Domain = "image"
	DomainEntry      Domain = "entry"
	DomainIO         Domain = "io"
	DomainStorage    Domain = "storage"
	DomainDatabase   Domain = "database"
)

// Severity tells the pipeline whether an error aborts the run
type Severity int

const (
	// SeverityFatal aborts the run immediately
	SeverityFatal Severity = iota
	// SeverityWarning is recorded and reported after the run completes
	SeverityWarning
)

// Error represents a structured error with domain, code and severity
type Error struct {
	// Domain categorizes the error (e.g., "toolchain", "image")
	Domain Domain `json:"domain"`

	// Code is a unique identifier within the domain (e.g., "capacity")
	Code Code `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`

	// Severity is fatal unless the error is a recorded warning
	Severity Severity `json:"-"`

	// cause is the underlying error if this error wraps another
	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is and errors.As support
func (e *Error) Unwrap() error {
	return e.cause
}

// Is implements error comparison for errors.Is. A target carrying a
// generic code (invalid or failed) matches every error of its domain, so
// ErrUnknownBoard is also an ErrConfig.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e.Domain != t.Domain {
		return false
	}
	return e.Code == t.Code || t.Code == CodeInvalid || t.Code == CodeFailed
}

// WithCause returns a new error with the underlying cause attached
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Domain:   e.Domain,
		Code:     e.Code,
		Message:  e.Message,
		Severity: e.Severity,
		cause:    cause,
	}
}

// WithMessage returns a new error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Domain:   e.Domain,
		Code:     e.Code,
		Message:  message,
		Severity: e.Severity,
		cause:    e.cause,
	}
}

// WithMessagef returns a new error with a formatted custom message
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// New creates a new fatal Error with the given parameters
func New(domain Domain, code Code, message string) *Error {
	return &Error{
		Domain:  domain,
		Code:    code,
		Message: message,
	}
}

// NewWarning creates a new non-fatal Error with the given parameters
func NewWarning(domain Domain, code Code, message string) *Error {
	return &Error{
		Domain:   domain,
		Code:     code,
		Message:  message,
		Severity: SeverityWarning,
	}
}

// Wrap wraps an existing error with a fatal Error
func Wrap(err error, domain Domain, code Code, message string) *Error {
	return &Error{
		Domain:  domain,
		Code:    code,
		Message: message,
		cause:   err,
	}
}

// IsFatal reports whether err must abort the run. Errors that are not
// *Error values are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return true
}

// GetCode returns the error code if the error is an *Error, otherwise empty string
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetDomain returns the error domain if the error is an *Error, otherwise empty string
func GetDomain(err error) Domain {
	var e *Error
	if errors.As(err, &e) {
		return e.Domain
	}
	return ""
}

// Is checks if an error matches a target error (delegates to errors.Is)
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target (delegates to errors.As)
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
