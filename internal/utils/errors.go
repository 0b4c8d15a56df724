package utils

import (
	"errors"
	"fmt"
)

// AppError tags a failure with the operation that produced it. Op follows the
// package.Func convention so log lines stay grep-able.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError wraps err with the operation and message.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// OpOf extracts the operation tag from an error chain, or "" when none is
// present.
func OpOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Op
	}
	return ""
}
