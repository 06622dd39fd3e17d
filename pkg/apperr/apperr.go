package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-distinguishable error code returned to clients.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotAuthorized Code = "NOT_AUTHORIZED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeDecryption    Code = "DECRYPTION_ERROR"
	CodeTokenInvalid  Code = "TOKEN_INVALID"
	CodeTokenExpired  Code = "TOKEN_EXPIRED"
	CodeStorage       Code = "STORAGE_ERROR"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) *Error    { return New(CodeValidation, msg) }
func NotAuthorized(msg string) *Error { return New(CodeNotAuthorized, msg) }
func NotFound(msg string) *Error      { return New(CodeNotFound, msg) }
func Conflict(msg string) *Error      { return New(CodeConflict, msg) }
func Decryption(msg string) *Error    { return New(CodeDecryption, msg) }
func TokenInvalid(msg string) *Error  { return New(CodeTokenInvalid, msg) }
func TokenExpired(msg string) *Error  { return New(CodeTokenExpired, msg) }

func Storage(msg string, cause error) *Error {
	return Wrap(CodeStorage, msg, cause)
}

// CodeOf extracts the error code, defaulting to CodeStorage for errors that
// did not originate in this package.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeStorage
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeDecryption:
		return http.StatusBadRequest
	case CodeNotAuthorized, CodeTokenInvalid:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTokenExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
