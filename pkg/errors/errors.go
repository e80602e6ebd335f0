// Package errors defines the error taxonomy shared by the synchronization core.
//
// Every terminal failure that leaves the core is an *Error carrying a stable
// numeric Code and a human-readable message. Codes survive wrapping with
// fmt.Errorf("...: %w", err), so callers can always recover them with CodeOf.
//
//	if errors.CodeOf(err) == errors.ConnectionTimeout {
//		// back off before the next pass
//	}
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a stable numeric error code. Values are part of the API contract
// and must never be renumbered.
type Code uint32

const (
	InvalidParameter     Code = 10000
	RequestTimeout       Code = 10020
	NetworkError         Code = 30000
	ConnectionTimeout    Code = 30010
	ImapCommandFailed    Code = 30020
	ImapUnexpectedResult Code = 30030
	Incompatible         Code = 30040
	InternalError        Code = 70000
)

func (c Code) String() string {
	switch c {
	case InvalidParameter:
		return "InvalidParameter"
	case RequestTimeout:
		return "RequestTimeout"
	case NetworkError:
		return "NetworkError"
	case ConnectionTimeout:
		return "ConnectionTimeout"
	case ImapCommandFailed:
		return "ImapCommandFailed"
	case ImapUnexpectedResult:
		return "ImapUnexpectedResult"
	case Incompatible:
		return "Incompatible"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("Code(%d)", uint32(c))
	}
}

// HTTPStatus maps a code onto the status returned by the HTTP API.
func (c Code) HTTPStatus() int {
	switch c {
	case InvalidParameter:
		return http.StatusBadRequest
	case RequestTimeout:
		return http.StatusRequestTimeout
	case ConnectionTimeout:
		return http.StatusGatewayTimeout
	case NetworkError, ImapCommandFailed, ImapUnexpectedResult, Incompatible:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed result surfaced by the core.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// InternalError when the chain carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
