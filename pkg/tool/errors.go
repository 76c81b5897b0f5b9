package tool

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorDetail.Code and ToolError.Code.
const (
	CodeProviderNotFound = "PROVIDER_NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeMiddleware       = "MIDDLEWARE_ERROR"
	CodeInvalidProvider  = "INVALID_PROVIDER"
	CodeDuplicateID      = "DUPLICATE_ID"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeRemote           = "REMOTE_ERROR"
)

// Error kinds. Match with errors.Is.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrTimeout          = errors.New("request timed out")
	ErrCancelled        = errors.New("request cancelled")
	ErrMiddleware       = errors.New("middleware failed")
	ErrInvalidProvider  = errors.New("invalid provider")
	ErrDuplicateID      = errors.New("duplicate request id")
	ErrProviderError    = errors.New("provider failed")
	ErrRemote           = errors.New("remote call failed")
)

var kinds = map[string]error{
	CodeProviderNotFound: ErrProviderNotFound,
	CodeTimeout:          ErrTimeout,
	CodeCancelled:        ErrCancelled,
	CodeMiddleware:       ErrMiddleware,
	CodeInvalidProvider:  ErrInvalidProvider,
	CodeDuplicateID:      ErrDuplicateID,
	CodeProviderError:    ErrProviderError,
	CodeRemote:           ErrRemote,
}

var names = map[string]string{
	CodeProviderNotFound: "ProviderNotFoundError",
	CodeTimeout:          "TimeoutError",
	CodeCancelled:        "CancelledError",
	CodeMiddleware:       "MiddlewareError",
	CodeInvalidProvider:  "InvalidProviderError",
	CodeDuplicateID:      "DuplicateIDError",
}

// ToolError is a structured dispatch failure. Result holds the
// failure-shaped result delivered to the caller, when there is one.
type ToolError struct {
	Code    string
	Message string
	Result  *Result
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap exposes the error kind for errors.Is.
func (e *ToolError) Unwrap() error {
	return kinds[e.Code]
}

// NewToolError creates a ToolError.
func NewToolError(code, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}

// ProviderNotFound builds the error for an unregistered provider.
func ProviderNotFound(provider string) *ToolError {
	return NewToolError(CodeProviderNotFound, fmt.Sprintf("Provider %q not found", provider))
}

// Detail converts the error into the ErrorDetail shape.
func (e *ToolError) Detail() *ErrorDetail {
	name := names[e.Code]
	if name == "" {
		name = "Error"
	}
	return &ErrorDetail{Message: e.Message, Name: name, Code: e.Code}
}

// Named is implemented by errors that report their own name.
type Named interface {
	Name() string
}

// DetailFromError converts an arbitrary provider error into an ErrorDetail.
func DetailFromError(err error) *ErrorDetail {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Detail()
	}
	d := &ErrorDetail{Message: err.Error(), Name: "Error", Code: CodeProviderError}
	var n Named
	if errors.As(err, &n) && n.Name() != "" {
		d.Name = n.Name()
	}
	return d
}

// ErrorFromDetail rebuilds a ToolError from a failure-shaped result.
// Results without a known code become provider errors, or remote errors
// when they arrived over the transport.
func ErrorFromDetail(res *Result, fallbackCode string) *ToolError {
	code := fallbackCode
	msg := "unknown error"
	if res != nil && res.Error != nil {
		msg = res.Error.Message
		if _, ok := kinds[res.Error.Code]; ok {
			code = res.Error.Code
		}
	}
	return &ToolError{Code: code, Message: msg, Result: res}
}
