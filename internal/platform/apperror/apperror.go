// Package apperror defines the error taxonomy shared by the domain services.
// Services return *Error values carrying a user-safe message; the underlying
// cause stays reachable through errors.Unwrap for logging but is never
// rendered to API clients.
package apperror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies a service failure.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInvalidDocument    Kind = "invalid_document"
	KindInvalidOperation   Kind = "invalid_operation"
	KindCreationFailed     Kind = "creation_failed"
	KindRegistrationFailed Kind = "registration_failed"
	KindUpdateFailed       Kind = "update_failed"
	KindFetchFailed        Kind = "fetch_failed"
	KindEmptyResult        Kind = "empty_result"
	KindValidation         Kind = "validation"
)

// Error is a classified failure with a message that is safe to show to users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when err
// is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusCode maps a kind to the HTTP status used by the handlers.
func StatusCode(kind Kind) int {
	switch kind {
	case KindNotFound, KindEmptyResult:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidDocument, KindInvalidOperation:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an echo.HTTPError. Unclassified errors become a
// generic 500 so internal details do not leak.
func HTTPError(err error) *echo.HTTPError {
	var ae *Error
	if errors.As(err, &ae) {
		return echo.NewHTTPError(StatusCode(ae.Kind), ae.Message)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// ValidationBody is the response body for a rejected form.
type ValidationBody struct {
	Message string `json:"message"`
	Errors  any    `json:"errors"`
}

// ValidationFailed builds the 422 response for field errors.
func ValidationFailed(fieldErrors any) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusUnprocessableEntity, ValidationBody{
		Message: "Validation failed.",
		Errors:  fieldErrors,
	})
}
