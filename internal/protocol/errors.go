package protocol

import (
	"fmt"

	"github.com/dlang-community/dls/internal/jsonx"
)

// ErrorCode is a JSON-RPC / LSP error code.
type ErrorCode int

// JSON-RPC standard and LSP-defined error codes.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603

	CodeServerNotInitialized ErrorCode = -32002
	CodeUnknownErrorCode     ErrorCode = -32001

	CodeContentModified  ErrorCode = -32801
	CodeRequestCancelled ErrorCode = -32800
)

// ResponseError is the error member of a response message.
type ResponseError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    jsonx.Value `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("response error %d: %s", e.Code, e.Message)
}

// NewResponseError creates a ResponseError with no data payload.
func NewResponseError(code ErrorCode, message string) *ResponseError {
	return &ResponseError{Code: code, Message: message}
}

// MethodError is a domain failure raised by a handler. It carries the
// ResponseError to return verbatim.
type MethodError struct {
	Resp *ResponseError
}

// Error implements the error interface.
func (e *MethodError) Error() string { return e.Resp.Error() }

// NewMethodError wraps a code and message into a handler failure.
func NewMethodError(code ErrorCode, message string) *MethodError {
	return &MethodError{Resp: NewResponseError(code, message)}
}
