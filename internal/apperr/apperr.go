package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a domain failure.
type Kind string

const (
	// KindBadRequest indicates invalid caller input.
	KindBadRequest Kind = "bad_request"
	// KindInvalidToken indicates a missing, invalid, or expired GitHub token.
	KindInvalidToken Kind = "invalid_token"
	// KindForbidden indicates the caller may not act on the resource.
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates the resource does not exist or is inactive.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a state conflict such as an existing active link.
	KindConflict Kind = "conflict"
	// KindUpstream indicates a GitHub failure or a failed analysis after linking.
	KindUpstream Kind = "upstream"
)

// Error is the typed domain error surfaced at the HTTP boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindInvalidToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BadRequest builds a 400 error.
func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message}
}

// InvalidToken builds a 401 error.
func InvalidToken(message string, err error) *Error {
	return &Error{Kind: KindInvalidToken, Message: message, Err: err}
}

// Forbidden builds a 403 error.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound builds a 404 error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Conflict builds a 409 error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Upstream builds a 502 error wrapping the upstream cause.
func Upstream(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: err}
}

// KindOf reports the kind of the first *Error in the chain.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}
