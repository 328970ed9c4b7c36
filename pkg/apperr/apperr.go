// Package apperr defines the error taxonomy shared by the core services.
// Handlers translate kinds to HTTP statuses at the boundary instead of
// matching on error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal   Kind = iota // unexpected failure, logged with context
	KindValidation             // missing or malformed input
	KindPermission             // not a member / not owner / not admin
	KindNotFound
	KindConflict // duplicate membership, duplicate invite, already liked
)

// Error carries a kind, a client-facing message and an optional wrapped
// cause. Supports errors.Is/errors.As through Unwrap.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, cause: err}
}

func Validation(msg string) *Error { return New(KindValidation, msg) }
func Permission(msg string) *Error { return New(KindPermission, msg) }
func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }

// Internal wraps an unexpected failure; the cause stays available for logs
// while clients only see the message.
func Internal(err error, msg string) *Error {
	return Wrap(err, KindInternal, msg)
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to its status code. Conflicts map to 409; the
// like-toggle path never reaches here because re-liking is not an error.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
