// Package rferrors provides the structured error type used across the
// client: a remote-client failure carries an ErrorCode, a category, and
// enough context to both log usefully and map onto the POSIX errno the
// kernel-protocol adapter returns.
package rferrors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorCode identifies the kind of failure, independent of transport.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeNotADirectory    ErrorCode = "NOT_A_DIRECTORY"
	CodeIsADirectory     ErrorCode = "IS_A_DIRECTORY"
	CodeTooLarge         ErrorCode = "TOO_LARGE"
	CodeTransport        ErrorCode = "TRANSPORT"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// ErrorCategory groups codes for metrics and logging.
type ErrorCategory string

const (
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryFilesystem ErrorCategory = "filesystem"
	CategoryTransport  ErrorCategory = "transport"
	CategoryInternal   ErrorCategory = "internal"
)

// Error is the structured error type threaded through internal/remote,
// internal/fscore, and internal/changefeed.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

func (e *Error) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// String gives a detailed form for logging.
func (e *Error) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("Path=%s", e.Path))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// JSON renders the error for the health/status API.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates an Error with category, retryability, and HTTP status
// filled in from the code's defaults.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   categoryOf(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  retryableByDefault(code),
		HTTPStatus: defaultHTTPStatus(code),
	}
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case CodeNotFound:
		return CategoryNotFound
	case CodeAlreadyExists:
		return CategoryConflict
	case CodeInvalidArgument, CodeTooLarge:
		return CategoryValidation
	case CodePermissionDenied:
		return CategoryAuth
	case CodeNotADirectory, CodeIsADirectory:
		return CategoryFilesystem
	case CodeTransport, CodeCanceled:
		return CategoryTransport
	default:
		return CategoryInternal
	}
}

func retryableByDefault(code ErrorCode) bool {
	return code == CodeTransport
}

func defaultHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Errno implements spec's error-kind -> POSIX errno table for the
// kernel-protocol adapter. Every error crossing into internal/fuse is
// reduced through this method.
func (e *Error) Errno() syscall.Errno {
	switch e.Code {
	case CodeNotFound:
		return syscall.ENOENT
	case CodeAlreadyExists:
		return syscall.EEXIST
	case CodeInvalidArgument:
		return syscall.EINVAL
	case CodePermissionDenied:
		return syscall.EACCES
	case CodeNotADirectory:
		return syscall.ENOTDIR
	case CodeIsADirectory:
		return syscall.EISDIR
	case CodeTooLarge:
		return syscall.EFBIG
	case CodeCanceled:
		return syscall.EINTR
	case CodeTransport:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// FromHTTPStatus maps an HTTP response status to an Error per the
// transport-level table: 400->InvalidArgument, 404->NotFound,
// 409->AlreadyExists, 413->TooLarge, 5xx->Transport.
func FromHTTPStatus(status int, operation, path string) *Error {
	var code ErrorCode
	switch {
	case status == http.StatusBadRequest:
		code = CodeInvalidArgument
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusConflict:
		code = CodeAlreadyExists
	case status == http.StatusRequestEntityTooLarge:
		code = CodeTooLarge
	case status >= 500:
		code = CodeTransport
	default:
		code = CodeInternal
	}
	e := New(code, fmt.Sprintf("remote returned HTTP %d", status))
	e.Operation = operation
	e.Path = path
	e.HTTPStatus = status
	return e
}

// WithCause attaches the underlying error, e.g. a net.Error from the
// transport layer.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithComponent tags which package raised the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation tags which remote operation raised the error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithPath tags the canonical path involved.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithDetail attaches free-form diagnostic detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Transport wraps a low-level transport failure (dial/timeout/EOF) as a
// retryable Error.
func Transport(operation, path string, cause error) *Error {
	return New(CodeTransport, cause.Error()).
		WithOperation(operation).WithPath(path).WithCause(cause)
}

// Canceled wraps a context cancellation/deadline as an Error. Per the
// error design, a deadline expiry surfaces EIO, not EINTR/ETIMEDOUT, so
// callers map deadline expiry through Transport, not Canceled; Canceled
// is reserved for explicit caller cancellation.
func Canceled(operation, path string, cause error) *Error {
	return New(CodeCanceled, "operation canceled").
		WithOperation(operation).WithPath(path).WithCause(cause)
}
