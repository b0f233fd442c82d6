// Package rpcerr defines the proxy's error taxonomy and maps it onto JSON-RPC
// error codes surfaced to the client.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reserved JSON-RPC error codes. Matches the codes the backend contract and
// the wire codec agree on; never renumber these, clients key behavior off them.
const (
	CodeParseError         int64 = -32700
	CodeInternalError      int64 = -32603
	CodeBackendSpawnFailed int64 = -32001
	CodeBackendUnavailable int64 = -32002
	CodeBackendTimeout     int64 = -32003
	CodeRoutingFailed      int64 = -32004
)

// Error is the proxy's internal error type. It always carries one of the
// reserved codes above so call sites can translate it directly into a
// JSON-RPC error response without re-classifying the failure.
type Error struct {
	Code    int64
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(code int64, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(code int64, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

// BackendSpawnFailed reports that a child process could not be started.
func BackendSpawnFailed(format string, args ...interface{}) *Error {
	return newErr(CodeBackendSpawnFailed, format, args...)
}

// BackendSpawnFailedf wraps an underlying spawn error.
func BackendSpawnFailedf(cause error, format string, args ...interface{}) *Error {
	return wrapErr(CodeBackendSpawnFailed, cause, format, args...)
}

// BackendUnavailable reports that a backend cannot currently serve a request.
func BackendUnavailable(format string, args ...interface{}) *Error {
	return newErr(CodeBackendUnavailable, format, args...)
}

// BackendUnavailablef wraps an underlying error.
func BackendUnavailablef(cause error, format string, args ...interface{}) *Error {
	return wrapErr(CodeBackendUnavailable, cause, format, args...)
}

// BackendTimeout reports that a per-request deadline elapsed.
func BackendTimeout(format string, args ...interface{}) *Error {
	return newErr(CodeBackendTimeout, format, args...)
}

// RoutingFailed reports API misuse: a request with no id, or a notification with one.
func RoutingFailed(format string, args ...interface{}) *Error {
	return newErr(CodeRoutingFailed, format, args...)
}

// ParseError reports a malformed inbound message.
func ParseError(format string, args ...interface{}) *Error {
	return newErr(CodeParseError, format, args...)
}

// Internal reports any error escaping a retry loop not otherwise classified.
func Internal(format string, args ...interface{}) *Error {
	return newErr(CodeInternalError, format, args...)
}

// Internalf wraps an underlying error as InternalError.
func Internalf(cause error, format string, args ...interface{}) *Error {
	return wrapErr(CodeInternalError, cause, format, args...)
}

// Code extracts the JSON-RPC code for any error, defaulting to InternalError
// for errors that did not originate from this package.
func Code(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}
