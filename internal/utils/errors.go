package utils

import "fmt"

// AppError carries the failing operation and a short context message alongside
// the underlying cause, so pipeline stages can report where a raw change
// notification went wrong without losing the original error for errors.Is.
type AppError struct {
	Op  string // operation that failed, e.g. "normalize"
	Msg string // context for the caller, e.g. the source adapter name
	Err error  // underlying cause, nil when the failure originates here
}

// NewAppError wraps err with the given operation and context message.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }
