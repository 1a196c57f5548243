package lattice

import (
	"errors"
	"fmt"
)

// Stable error codes shared with the other client implementations.
type ErrorCode int

const (
	ErrorCodeInternal       ErrorCode = 1
	ErrorCodeInvalidKey     ErrorCode = 2
	ErrorCodeInvalidRequest ErrorCode = 3
	ErrorCodeRequest        ErrorCode = 4
)

func (self ErrorCode) String() string {
	switch self {
	case ErrorCodeInternal:
		return "InternalError"
	case ErrorCodeInvalidKey:
		return "InvalidKey"
	case ErrorCodeInvalidRequest:
		return "InvalidRequest"
	case ErrorCodeRequest:
		return "RequestError"
	default:
		return fmt.Sprintf("Error(%d)", int(self))
	}
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (self *Error) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

func newInternalError(format string, a ...any) *Error {
	return &Error{Code: ErrorCodeInternal, Message: fmt.Sprintf(format, a...)}
}

func newInvalidKeyError(format string, a ...any) *Error {
	return &Error{Code: ErrorCodeInvalidKey, Message: fmt.Sprintf(format, a...)}
}

func newInvalidRequestError(format string, a ...any) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Message: fmt.Sprintf(format, a...)}
}

func newRequestError(format string, a ...any) *Error {
	return &Error{Code: ErrorCodeRequest, Message: fmt.Sprintf(format, a...)}
}

// IsErrorCode reports whether err carries the given stable code.
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
