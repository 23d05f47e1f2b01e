package contracts

import (
	"errors"
	"fmt"
)

// Code is a structured failure code returned by every governance operation.
type Code string

const (
	// Not-found class.
	CodeEnvelopeNotSealed   Code = "ENVELOPE_NOT_SEALED"
	CodeTerritoryNotFound   Code = "TERRITORY_NOT_FOUND"
	CodeSubVerticalNotFound Code = "SUB_VERTICAL_NOT_FOUND"
	CodeReplayNotFound      Code = "REPLAY_NOT_FOUND"
	CodeViolationNotFound   Code = "VIOLATION_NOT_FOUND"

	// Integrity class.
	CodeDriftDetected         Code = "DRIFT_DETECTED"
	CodeReplayExecutionFailed Code = "REPLAY_EXECUTION_FAILED"

	// Configuration class.
	CodeTerritoryNotConfigured         Code = "TERRITORY_NOT_CONFIGURED"
	CodeTerritoryInvalidForSubVertical Code = "TERRITORY_INVALID_FOR_SUBVERTICAL"
	CodeControlPlaneNotConfigured      Code = "CONTROL_PLANE_NOT_CONFIGURED"

	// Request class.
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeReplayAlreadyTerminal Code = "REPLAY_ALREADY_TERMINAL"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeVersionNotMonotonic   Code = "VERSION_NOT_MONOTONIC"
	CodeSchemaViolation       Code = "SCHEMA_VIOLATION"

	// Storage class.
	CodeInvalidEnum Code = "INVALID_ENUM"
)

// Class groups codes by how a caller is expected to react.
type Class string

const (
	ClassNotFound      Class = "not_found"
	ClassDenial        Class = "denial"
	ClassIntegrity     Class = "integrity"
	ClassConfiguration Class = "configuration"
	ClassRequest       Class = "request"
	ClassStorage       Class = "storage"
)

// Class returns the taxonomy class of the code. Gate violation codes
// are reported as denials.
func (c Code) Class() Class {
	switch c {
	case CodeEnvelopeNotSealed, CodeTerritoryNotFound, CodeSubVerticalNotFound,
		CodeReplayNotFound, CodeViolationNotFound:
		return ClassNotFound
	case CodeDriftDetected, CodeReplayExecutionFailed:
		return ClassIntegrity
	case CodeTerritoryNotConfigured, CodeTerritoryInvalidForSubVertical, CodeControlPlaneNotConfigured:
		return ClassConfiguration
	case CodeInvalidEnum:
		return ClassStorage
	}
	if ViolationCode(c).Valid() {
		return ClassDenial
	}
	return ClassRequest
}

// Error carries a Code through the call stack.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var (
	ErrEnvelopeNotSealed   = &Error{Code: CodeEnvelopeNotSealed}
	ErrTerritoryNotFound   = &Error{Code: CodeTerritoryNotFound}
	ErrSubVerticalNotFound = &Error{Code: CodeSubVerticalNotFound}
	ErrReplayNotFound      = &Error{Code: CodeReplayNotFound}
	ErrViolationNotFound   = &Error{Code: CodeViolationNotFound}
	ErrDriftDetected       = &Error{Code: CodeDriftDetected}
	ErrTerritoryNotConfig  = &Error{Code: CodeTerritoryNotConfigured}
	ErrInvalidRequest      = &Error{Code: CodeInvalidRequest}
	ErrReplayTerminal      = &Error{Code: CodeReplayAlreadyTerminal}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition}
	ErrVersionNotMonotonic = &Error{Code: CodeVersionNotMonotonic}
	ErrSchemaViolation     = &Error{Code: CodeSchemaViolation}
	ErrInvalidEnum         = &Error{Code: CodeInvalidEnum}
)
