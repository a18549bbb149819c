// Package rpcerr defines the error taxonomy shared by every wsrpc component.
//
// Errors that cross the wire carry a Code, a human-readable Message and optional
// JSON Details. Callers match them with errors.Is against the exported sentinels:
//
//	if errors.Is(err, rpcerr.ErrTimeout) { ... }
//
// Matching is by code only, so a remote TIMEOUT and a local one compare equal.
package rpcerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes travel on the wire as plain strings.
type Code string

const (
	CodeMalformedMessage  Code = "MALFORMED_MESSAGE"    // Frame could not be decoded
	CodeServiceNotFound   Code = "SERVICE_NOT_FOUND"    // Resolver or dispatch miss on the service
	CodeMethodNotFound    Code = "METHOD_NOT_FOUND"     // Resolver or dispatch miss on the method
	CodeInvalidParameters Code = "INVALID_PARAMETERS"   // Params could not be bound
	CodeAuthentication    Code = "AUTHENTICATION_ERROR" // No valid session
	CodeAuthorization     Code = "AUTHORIZATION_ERROR"  // Session not allowed to call the method
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"  // Client over its request budget
	CodeTimeout           Code = "TIMEOUT"              // Local deadline elapsed, nothing sent
	CodeStreamError       Code = "STREAM_ERROR"         // Remote-reported or local stream fault
	CodeConnectionClosed  Code = "CONNECTION_CLOSED"    // Channel dropped or closed
	CodeConnectionFailed  Code = "CONNECTION_FAILED"    // Channel could not be (re)established
	CodeInternal          Code = "INTERNAL_ERROR"       // Handler failed or panicked
)

// Error is the typed error returned to callers and carried by error frames.
type Error struct {
	Code    Code
	Message string
	Details json.RawMessage
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "wsrpc: " + string(e.Code)
	}
	return fmt.Sprintf("wsrpc: %s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// Sentinels for errors.Is.
var (
	ErrMalformedMessage  = &Error{Code: CodeMalformedMessage}
	ErrServiceNotFound   = &Error{Code: CodeServiceNotFound}
	ErrMethodNotFound    = &Error{Code: CodeMethodNotFound}
	ErrInvalidParameters = &Error{Code: CodeInvalidParameters}
	ErrAuthentication    = &Error{Code: CodeAuthentication}
	ErrAuthorization     = &Error{Code: CodeAuthorization}
	ErrRateLimitExceeded = &Error{Code: CodeRateLimitExceeded}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrStream            = &Error{Code: CodeStreamError}
	ErrConnectionClosed  = &Error{Code: CodeConnectionClosed}
	ErrConnectionFailed  = &Error{Code: CodeConnectionFailed}
	ErrInternal          = &Error{Code: CodeInternal}
)

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error with the given code whose message is cause's text.
// The cause stays reachable through errors.Unwrap.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details json.RawMessage) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// From converts any error into an *Error. Errors that are already typed keep
// their code; anything else becomes INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err)
}

// CodeOf returns the code of err, or the empty code when err is not typed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
