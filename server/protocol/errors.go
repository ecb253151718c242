package protocol

import (
	"errors"
	"fmt"
)

// ErrIncomplete means the parser needs more bytes, never reported to a client
var ErrIncomplete = errors.New("incomplete request")

// StatusError is a parse failure that maps to an http status
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// parse failures, wrap them with %w to add detail
var (
	ErrBadRequest         = &StatusError{Code: 400, Reason: "Bad Request"}
	ErrForbidden          = &StatusError{Code: 403, Reason: "Forbidden"}
	ErrNotFound           = &StatusError{Code: 404, Reason: "Not Found"}
	ErrPreconditionFailed = &StatusError{Code: 412, Reason: "Precondition Failed"}
	ErrEntityTooLarge     = &StatusError{Code: 413, Reason: "Request Entity Too Large"}
	ErrInternal           = &StatusError{Code: 500, Reason: "Internal Server Error"}
)

// AsStatus extracts the status carried by err, 500 for anything else
func AsStatus(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return ErrInternal
}
