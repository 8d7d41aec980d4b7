package errors

import "errors"

// Sentinels for dispatch domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrBlocked     = errors.New("admission blocked")
	ErrQueued      = errors.New("attempt already in flight")
	ErrExhausted   = errors.New("attempts exhausted")
	ErrPoolEmpty   = errors.New("resource pool empty")
	ErrUnavailable = errors.New("service unavailable")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
