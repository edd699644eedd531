// Package errs defines the error categories shared by the domain packages and
// their mapping onto HTTP status codes.
package errs

import (
	"errors"
	"net/http"
)

// Categories. Domain sentinels wrap exactly one of these.
var (
	Unauthenticated = errors.New("not authenticated")
	NotFound        = errors.New("not found")
	Forbidden       = errors.New("forbidden")
	Conflict        = errors.New("conflict")
	Invariant       = errors.New("invariant violation")
	Invalid         = errors.New("invalid input")
)

// Error is a categorised error whose message is safe to show to callers.
type Error struct {
	Category error
	Message  string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Category }

// New returns an error in the given category with a caller-facing message.
func New(category error, message string) error {
	return &Error{Category: category, Message: message}
}

// HTTPStatus maps an error onto the status code used by the JSON API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, Unauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, NotFound):
		return http.StatusNotFound
	case errors.Is(err, Forbidden):
		return http.StatusForbidden
	case errors.Is(err, Conflict):
		return http.StatusConflict
	case errors.Is(err, Invariant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, Invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-facing text for err. Uncategorised errors are
// collapsed so internal details do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}
