// Package apperr defines the error taxonomy shared by the sale engine, the
// stores and the HTTP boundary.
//
// A Kind is itself an error, so callers test with errors.Is(err, apperr.NotFound)
// regardless of how many times the error was wrapped.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation        Kind = "validation"
	NotFound          Kind = "not_found"
	Inactive          Kind = "inactive"
	InsufficientStock Kind = "insufficient_stock"
	Permission        Kind = "permission"
	NotAuthenticated  Kind = "not_authenticated"
	EmptyCart         Kind = "empty_cart"
	AlreadyCancelled  Kind = "already_cancelled"
	Persistence       Kind = "persistence"
)

func (k Kind) Error() string {
	return string(k)
}

type Error struct {
	Kind    Kind
	Message string
	// Available is the remaining quantity for InsufficientStock errors.
	Available int
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Insufficient(name string, available int) *Error {
	if available < 0 {
		available = 0
	}
	return &Error{
		Kind:      InsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for %s, available: %d", name, available),
		Available: available,
	}
}

// KindOf returns the kind of the first *Error in the chain, or Persistence
// for errors that carry no kind at all.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	var kind Kind
	if errors.As(err, &kind) {
		return kind
	}
	return Persistence
}

func AvailableFrom(err error) (int, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind == InsufficientStock {
		return appErr.Available, true
	}
	return 0, false
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation, EmptyCart:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Inactive:
		return http.StatusUnprocessableEntity
	case InsufficientStock, AlreadyCancelled:
		return http.StatusConflict
	case Permission:
		return http.StatusForbidden
	case NotAuthenticated:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
