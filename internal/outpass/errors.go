package outpass

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error so the transport layer can map it to a
// status code and a machine-readable error kind.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindInvalidState  Kind = "invalid_state"
	KindNotReady      Kind = "not_ready"
	KindNotFound      Kind = "not_found"
	KindDependency    Kind = "dependency"
)

// FieldError points at a specific invalid input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Error is the domain error carried across the service boundary.
type Error struct {
	Kind   Kind
	Msg    string
	Fields []FieldError
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError reports malformed or missing input.
func ValidationError(msg string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

// AuthorizationError is deliberately generic: it reveals nothing about the
// target beyond "denied".
func AuthorizationError() *Error {
	return &Error{Kind: KindAuthorization, Msg: "access denied"}
}

// InvalidStateError reports an operation attempted from a state that forbids it.
func InvalidStateError(msg string) *Error {
	return &Error{Kind: KindInvalidState, Msg: msg}
}

// NotReadyError reports a pass requested before one exists.
func NotReadyError(msg string) *Error {
	return &Error{Kind: KindNotReady, Msg: msg}
}

// NotFoundError reports a missing entity.
func NotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// DependencyError wraps a store or upstream failure.
func DependencyError(msg string, err error) *Error {
	return &Error{Kind: KindDependency, Msg: msg, Err: err}
}

// KindOf returns the kind of a domain error, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
