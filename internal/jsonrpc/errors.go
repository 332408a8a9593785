package jsonrpc

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeServerNotInitialized is sent for any call that arrives before
	// the initialize handshake completed.
	ErrorCodeServerNotInitialized ErrorCode = -32002
	// ErrorCodeUnknownError is the catch-all for errors without a better code.
	ErrorCodeUnknownError ErrorCode = -32001
	// ErrorCodeRequestCancelled is sent when a handler observed cancellation.
	ErrorCodeRequestCancelled ErrorCode = -32800
	// ErrorCodeContentModified indicates the document changed under the request.
	ErrorCodeContentModified ErrorCode = -32801
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeParseError:
		return "ParseError"
	case ErrorCodeInvalidRequest:
		return "InvalidRequest"
	case ErrorCodeMethodNotFound:
		return "MethodNotFound"
	case ErrorCodeInvalidParams:
		return "InvalidParams"
	case ErrorCodeInternalError:
		return "InternalError"
	case ErrorCodeServerNotInitialized:
		return "ServerNotInitialized"
	case ErrorCodeUnknownError:
		return "UnknownErrorCode"
	case ErrorCodeRequestCancelled:
		return "RequestCancelled"
	case ErrorCodeContentModified:
		return "ContentModified"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// NewError builds an error object that can be returned from handlers and is
// sent to the peer verbatim.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf is NewError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorFrom converts an arbitrary handler error into a wire error. Errors that
// already carry a code keep it; cancellation becomes RequestCancelled; the
// rest are reported as InternalError with their message.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, context.Canceled) {
		return NewError(ErrorCodeRequestCancelled, "request cancelled")
	}
	return NewError(ErrorCodeInternalError, err.Error())
}
