package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/internal/jsonrpc"
)

// Code classifies an Error.
type Code string

const (
	BadRequest          Code = "BAD_REQUEST"
	Unauthorized        Code = "UNAUTHORIZED"
	Forbidden           Code = "FORBIDDEN"
	NotFound            Code = "NOT_FOUND"
	Conflict            Code = "CONFLICT"
	MethodNotSupported  Code = "METHOD_NOT_SUPPORTED"
	InternalServerError Code = "INTERNAL_SERVER_ERROR"
)

// Error is the structured failure returned to callers.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case MethodNotSupported:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps the code to a JSON-RPC error code.
func (e *Error) JSONRPCCode() jsonrpc.ErrorCode {
	switch e.Code {
	case BadRequest:
		return jsonrpc.ErrorCodeInvalidParams
	case Unauthorized:
		return jsonrpc.ErrorCodeUnauthorized
	case Forbidden:
		return jsonrpc.ErrorCodeForbidden
	case NotFound:
		return jsonrpc.ErrorCodeMethodNotFound
	case Conflict:
		return jsonrpc.ErrorCodeConflict
	case MethodNotSupported:
		return jsonrpc.ErrorCodeMethodNotSupported
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// NewError builds an *Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Reject is what a middleware stage returns to refuse a call.
func Reject(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and caller-visible message to cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// AsError normalises err into an *Error. A missing capability becomes an
// InternalServerError naming the type; anything unclassified becomes an
// InternalServerError whose cause is kept for logging but not shown to the
// caller.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var missing *capability.MissingCapabilityError
	if errors.As(err, &missing) {
		return &Error{Code: InternalServerError, Message: missing.Error(), Cause: err}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Code: InternalServerError, Message: "request cancelled", Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: InternalServerError, Message: "request timed out", Cause: err}
	}

	return &Error{Code: InternalServerError, Message: "internal server error", Cause: err}
}
