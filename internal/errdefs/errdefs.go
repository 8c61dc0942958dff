// Package errdefs carries the error taxonomy shared by all sync
// components. Every failure surfaced to operators or the event bus is
// tagged with one of these codes.
package errdefs

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation        Code = "validation"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeUnauthorized      Code = "unauthorized"
	CodeForbidden         Code = "forbidden"
	CodeConnection        Code = "connection"
	CodeTransfer          Code = "transfer"
	CodeScan              Code = "scan"
	CodeSystem            Code = "system"
	CodeSpawn             Code = "spawn"
	CodeTimeout           Code = "timeout"
	CodeResourceExhausted Code = "resource_exhausted"
)

// Error is a classified error with an optional structured details map.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a classified error.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		cause:   err,
	}
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the classification of err, or CodeSystem when untagged.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeSystem
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
