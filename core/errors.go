package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Use errors.Is to match them against a returned *Error.
var (
	ErrDriverUnavailable       = errors.New("mongodb driver unavailable")
	ErrMissingConnectionConfig = errors.New("no host or port configured to connect to mongodb")
	ErrMissingDatabaseConfig   = errors.New("no mongodb database selected")
	ErrConnectionFailed        = errors.New("unable to connect to mongodb")
	ErrNotConnected            = errors.New("not connected to mongodb")
	ErrMissingCollection       = errors.New("no mongodb collection selected")
	ErrEmptyInsert             = errors.New("nothing to insert")
	ErrEmptyUpdate             = errors.New("nothing to update")
	ErrEmptyDelete             = errors.New("nothing to delete")
	ErrInvalidFilter           = errors.New("invalid filter")
	ErrInvalidDirection        = errors.New("invalid sort direction")
	ErrQueryFailed             = errors.New("mongodb operation failed")
)

// Error is returned by the builder and the client for every precondition
// failure and for failed driver calls.
type Error struct {
	// Kind is one of the Err* sentinels above
	Kind error
	// Op is the facade operation that failed, eg. "get" or "update_all"
	Op string
	// Err is the underlying cause, if any
	Err error
}

func newError(op string, kind error, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mongoqb: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("mongoqb: %s: %s", e.Op, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Status returns the HTTP status a web handler should answer with. Every
// failure of the facades is a server error.
func (e *Error) Status() int {
	return http.StatusInternalServerError
}

// IsValidation reports whether err is a precondition failure raised before
// any driver call was made.
func IsValidation(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case ErrMissingCollection, ErrEmptyInsert, ErrEmptyUpdate, ErrEmptyDelete,
		ErrInvalidFilter, ErrInvalidDirection, ErrMissingDatabaseConfig, ErrNotConnected:
		return true
	}
	return false
}
